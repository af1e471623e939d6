package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, username, password_hash, display_name, bio, avatar, created_at_ms, updated_at_ms`

func scanUser(row rowScanner) (UserRow, error) {
	var user UserRow
	var displayName sql.NullString
	var bio sql.NullString
	if err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &displayName, &bio,
		&user.Avatar, &user.CreatedAtMs, &user.UpdatedAtMs,
	); err != nil {
		return UserRow{}, err
	}
	if displayName.Valid {
		user.DisplayName = &displayName.String
	}
	if bio.Valid {
		user.Bio = &bio.String
	}
	return user, nil
}

func getUserByID(ctx context.Context, q querier, driver string, userID int64) (UserRow, error) {
	if userID <= 0 {
		return UserRow{}, fmt.Errorf("%w: user", ErrInvalidReference)
	}
	query := rebindQuery(driver, `SELECT `+userColumns+` FROM users WHERE id = ?;`)
	user, err := scanUser(q.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRow{}, fmt.Errorf("%w: user", ErrInvalidReference)
		}
		return UserRow{}, err
	}
	return user, nil
}

func listUsersAfter(ctx context.Context, q querier, driver string, afterID int64, limit int) ([]UserRow, error) {
	if limit <= 0 {
		limit = 500
	}
	query := rebindQuery(driver, `SELECT `+userColumns+` FROM users WHERE id > ? ORDER BY id ASC LIMIT ?;`)
	return queryUsers(ctx, q, query, afterID, limit)
}

func getUsersByIDs(ctx context.Context, q querier, driver string, ids []int64) ([]UserRow, error) {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			args = append(args, id)
		}
	}
	if len(args) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(args)), ",")
	query := rebindQuery(driver, fmt.Sprintf(`SELECT `+userColumns+` FROM users WHERE id IN (%s) ORDER BY id ASC;`, placeholders))
	return queryUsers(ctx, q, query, args...)
}

func queryUsers(ctx context.Context, q querier, query string, args ...any) ([]UserRow, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []UserRow
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, nowMs int64) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	username = nfc(username)
	user := UserRow{
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAtMs:  nowMs,
		UpdatedAtMs:  nowMs,
	}

	q := `INSERT INTO users (username, password_hash, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?) RETURNING id;`
	if err := s.db.QueryRowContext(ctx, s.rebind(q), username, passwordHash, nowMs, nowMs).Scan(&user.ID); err != nil {
		if isUniqueViolation(err) {
			return UserRow{}, ErrUsernameExists
		}
		return UserRow{}, err
	}

	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID int64) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}
	return getUserByID(ctx, s.db, s.driver, userID)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT ` + userColumns + ` FROM users WHERE username = ?;`
	user, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(q), nfc(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRow{}, fmt.Errorf("%w: user", ErrInvalidReference)
		}
		return UserRow{}, err
	}
	return user, nil
}

// UpdateUserProfile replaces every profile field; nil clears a field.
func (s *Store) UpdateUserProfile(ctx context.Context, userID int64, profile UserProfile, nowMs int64) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}
	if userID <= 0 {
		return UserRow{}, fmt.Errorf("%w: user", ErrInvalidReference)
	}

	var displayName, bio sql.NullString
	if profile.DisplayName != nil {
		displayName = sql.NullString{String: nfc(*profile.DisplayName), Valid: true}
	}
	if profile.Bio != nil {
		bio = sql.NullString{String: nfc(*profile.Bio), Valid: true}
	}
	var avatar any
	if profile.Avatar != nil {
		avatar = profile.Avatar
	}

	q := `UPDATE users SET display_name = ?, bio = ?, avatar = ?, updated_at_ms = ? WHERE id = ?;`
	result, err := s.db.ExecContext(ctx, s.rebind(q), displayName, bio, avatar, nowMs, userID)
	if err != nil {
		return UserRow{}, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return UserRow{}, fmt.Errorf("%w: user", ErrInvalidReference)
	}

	return s.GetUserByID(ctx, userID)
}

// DeleteUser removes a user following the deletion policy of Tx.DeleteUser and
// returns the ids of the chats the user belonged to.
func (s *Store) DeleteUser(ctx context.Context, userID int64, nowMs int64) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	var chatIDs []int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		chatIDs, err = tx.DeleteUser(ctx, userID, nowMs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chatIDs, nil
}

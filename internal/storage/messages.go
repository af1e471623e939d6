package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, chat_id, sender_id, text, created_at_ms, expires_at_ms`

// notExpired filters messages whose expiry already passed but which the sweep
// has not removed yet.
const notExpired = `(expires_at_ms IS NULL OR expires_at_ms > ?)`

func scanMessage(row rowScanner) (MessageRow, error) {
	var msg MessageRow
	var sender sql.NullInt64
	var text sql.NullString
	var expires sql.NullInt64
	if err := row.Scan(&msg.ID, &msg.ChatID, &sender, &text, &msg.CreatedAtMs, &expires); err != nil {
		return MessageRow{}, err
	}
	if sender.Valid {
		msg.SenderID = sender.Int64
	}
	if text.Valid {
		msg.Text = &text.String
	}
	if expires.Valid {
		msg.ExpiresAtMs = &expires.Int64
	}
	return msg, nil
}

func queryMessages(ctx context.Context, q querier, driver, query string, args ...any) ([]MessageRow, error) {
	rows, err := q.QueryContext(ctx, rebindQuery(driver, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []MessageRow
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// attachAttachments loads the attachments of messages in one query and
// inlines them, keeping insertion order.
func attachAttachments(ctx context.Context, q querier, driver string, messages []MessageRow) error {
	if len(messages) == 0 {
		return nil
	}
	args := make([]any, 0, len(messages))
	index := make(map[int64]int, len(messages))
	for i, m := range messages {
		args = append(args, m.ID)
		index[m.ID] = i
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(args)), ",")
	query := fmt.Sprintf(`SELECT id, message_id, type, data FROM attachments WHERE message_id IN (%s) ORDER BY id ASC;`, placeholders)
	rows, err := q.QueryContext(ctx, rebindQuery(driver, query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a AttachmentRow
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Type, &a.Data); err != nil {
			return err
		}
		i := index[a.MessageID]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}
	return rows.Err()
}

// listMessagesAfter returns up to limit live messages with id > afterID in
// ascending id order, and whether more remain.
func listMessagesAfter(ctx context.Context, q querier, driver string, chatID, afterID int64, limit int, nowMs int64) ([]MessageRow, bool, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_id = ? AND id > ? AND ` + notExpired + `
		ORDER BY id ASC
		LIMIT ?;`
	messages, err := queryMessages(ctx, q, driver, query, chatID, afterID, nowMs, limit+1)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	if err := attachAttachments(ctx, q, driver, messages); err != nil {
		return nil, false, err
	}
	return messages, hasMore, nil
}

func (s *Store) ListMessagesAfter(ctx context.Context, chatID, afterID int64, limit int, nowMs int64) ([]MessageRow, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("db not initialized")
	}
	return listMessagesAfter(ctx, s.db, s.driver, chatID, afterID, limit, nowMs)
}

func (s *Store) GetMessage(ctx context.Context, messageID int64, nowMs int64) (MessageRow, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, fmt.Errorf("db not initialized")
	}
	if messageID <= 0 {
		return MessageRow{}, fmt.Errorf("%w: message", ErrInvalidReference)
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE id = ? AND ` + notExpired + `;`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(q), messageID, nowMs))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageRow{}, fmt.Errorf("%w: message", ErrInvalidReference)
		}
		return MessageRow{}, err
	}
	out := []MessageRow{msg}
	if err := attachAttachments(ctx, s.db, s.driver, out); err != nil {
		return MessageRow{}, err
	}
	return out[0], nil
}

// ListMessages pages backwards through history. With beforeID == 0 it starts
// at the newest message. The page is returned in ascending id order.
func (s *Store) ListMessages(ctx context.Context, chatID int64, limit int, beforeID int64, nowMs int64) ([]MessageRow, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("db not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	var q string
	var args []any
	if beforeID > 0 {
		q = `SELECT ` + messageColumns + ` FROM messages
			WHERE chat_id = ? AND id < ? AND ` + notExpired + `
			ORDER BY id DESC
			LIMIT ?;`
		args = []any{chatID, beforeID, nowMs, limit + 1}
	} else {
		q = `SELECT ` + messageColumns + ` FROM messages
			WHERE chat_id = ? AND ` + notExpired + `
			ORDER BY id DESC
			LIMIT ?;`
		args = []any{chatID, nowMs, limit + 1}
	}

	messages, err := queryMessages(ctx, s.db, s.driver, q, args...)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if err := attachAttachments(ctx, s.db, s.driver, messages); err != nil {
		return nil, false, err
	}
	return messages, hasMore, nil
}

// DeleteExpiredMessages removes up to limit messages whose expiry is at or
// before nowMs and returns the removed ids with their chats.
func (s *Store) DeleteExpiredMessages(ctx context.Context, nowMs int64, limit int) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	txCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	selectQ := `SELECT id, chat_id FROM messages
		WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?
		ORDER BY expires_at_ms ASC
		LIMIT ?;`
	rows, err := tx.QueryContext(txCtx, s.rebind(selectQ), nowMs, limit)
	if err != nil {
		return nil, err
	}

	var due []MessageRow
	var ids []any
	for rows.Next() {
		var row MessageRow
		if err := rows.Scan(&row.ID, &row.ChatID); err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, row)
		ids = append(ids, row.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(due) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	deleteQ := fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s);`, placeholders)
	if _, err := tx.ExecContext(txCtx, s.rebind(deleteQ), ids...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

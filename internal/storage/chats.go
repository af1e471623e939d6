package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"messenger-backend/internal/roles"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// DialogKey identifies the unordered pair of dialog participants.
func DialogKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

func scanChat(row rowScanner) (ChatRow, error) {
	var chat ChatRow
	var creator sql.NullInt64
	if err := row.Scan(&chat.ID, &chat.Type, &creator, &chat.CreatedAtMs); err != nil {
		return ChatRow{}, err
	}
	if creator.Valid {
		chat.CreatorID = creator.Int64
	}
	return chat, nil
}

func getChat(ctx context.Context, q querier, driver string, chatID int64) (ChatRow, error) {
	return selectChat(ctx, q, driver, chatID, false)
}

// chatQuery selects one chat row. With forUpdate on postgres the row stays
// locked until the transaction ends; sqlite has no row locks and relies on
// its single connection instead.
func chatQuery(driver string, forUpdate bool) string {
	query := `SELECT id, type, creator_id, created_at_ms FROM chats WHERE id = ?`
	if forUpdate && driver == "pgx" {
		query += ` FOR UPDATE`
	}
	return rebindQuery(driver, query+";")
}

func selectChat(ctx context.Context, q querier, driver string, chatID int64, forUpdate bool) (ChatRow, error) {
	if chatID <= 0 {
		return ChatRow{}, fmt.Errorf("%w: chat", ErrInvalidReference)
	}
	query := chatQuery(driver, forUpdate)
	chat, err := scanChat(q.QueryRowContext(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatRow{}, fmt.Errorf("%w: chat", ErrInvalidReference)
		}
		return ChatRow{}, err
	}
	return chat, nil
}

func getDialogByKey(ctx context.Context, q querier, driver, key string) (ChatRow, error) {
	query := rebindQuery(driver, `SELECT id, type, creator_id, created_at_ms FROM chats WHERE dialog_key = ?;`)
	chat, err := scanChat(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatRow{}, fmt.Errorf("%w: dialog", ErrInvalidReference)
		}
		return ChatRow{}, err
	}
	return chat, nil
}

// getChatInfo returns nil without error when the chat has no info.
func getChatInfo(ctx context.Context, q querier, driver string, chatID int64) (*ChatInfoRow, error) {
	query := rebindQuery(driver, `SELECT chat_id, title, avatar, updated_at_ms FROM chat_info WHERE chat_id = ?;`)
	var info ChatInfoRow
	if err := q.QueryRowContext(ctx, query, chatID).Scan(&info.ChatID, &info.Title, &info.Avatar, &info.UpdatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

func getChatSummary(ctx context.Context, q querier, driver string, chatID int64) (ChatSummary, error) {
	chat, err := getChat(ctx, q, driver, chatID)
	if err != nil {
		return ChatSummary{}, err
	}
	info, err := getChatInfo(ctx, q, driver, chatID)
	if err != nil {
		return ChatSummary{}, err
	}
	return ChatSummary{Chat: chat, Info: info}, nil
}

func listMembers(ctx context.Context, q querier, driver string, chatID int64) ([]MemberRow, error) {
	query := rebindQuery(driver, `SELECT m.user_id, m.joined_at_ms, mi.nickname, mi.role
		FROM chat_members m
		LEFT JOIN member_info mi ON mi.chat_id = m.chat_id AND mi.user_id = m.user_id
		WHERE m.chat_id = ?
		ORDER BY m.user_id ASC;`)
	rows, err := q.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []MemberRow
	for rows.Next() {
		var m MemberRow
		var nickname sql.NullString
		var role sql.NullString
		if err := rows.Scan(&m.UserID, &m.JoinedAtMs, &nickname, &role); err != nil {
			return nil, err
		}
		m.Info = memberInfoFromColumns(chatID, m.UserID, nickname, role)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func memberInfoFromColumns(chatID, userID int64, nickname, role sql.NullString) MemberInfoRow {
	info := MemberInfoRow{
		ChatID: chatID,
		UserID: userID,
		Role:   roles.Default,
	}
	if nickname.Valid {
		info.Nickname = &nickname.String
	}
	if role.Valid {
		info.Stored = true
		if r := roles.Role(role.String); r.Valid() {
			info.Role = r
		}
	}
	return info
}

func getChatWithMembers(ctx context.Context, q querier, driver string, chatID int64) (ChatWithMembers, error) {
	summary, err := getChatSummary(ctx, q, driver, chatID)
	if err != nil {
		return ChatWithMembers{}, err
	}
	members, err := listMembers(ctx, q, driver, chatID)
	if err != nil {
		return ChatWithMembers{}, err
	}
	return ChatWithMembers{ChatSummary: summary, Members: members}, nil
}

func isMember(ctx context.Context, q querier, driver string, chatID, userID int64) (bool, error) {
	if chatID <= 0 || userID <= 0 {
		return false, nil
	}
	query := rebindQuery(driver, `SELECT 1 FROM chat_members WHERE chat_id = ? AND user_id = ?;`)
	var one int
	if err := q.QueryRowContext(ctx, query, chatID, userID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func listMemberIDs(ctx context.Context, q querier, driver string, chatID int64) ([]int64, error) {
	query := rebindQuery(driver, `SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id ASC;`)
	rows, err := q.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func getMemberInfo(ctx context.Context, q querier, driver string, chatID, userID int64) (MemberInfoRow, error) {
	query := rebindQuery(driver, `SELECT mi.nickname, mi.role
		FROM chat_members m
		LEFT JOIN member_info mi ON mi.chat_id = m.chat_id AND mi.user_id = m.user_id
		WHERE m.chat_id = ? AND m.user_id = ?;`)
	var nickname sql.NullString
	var role sql.NullString
	if err := q.QueryRowContext(ctx, query, chatID, userID).Scan(&nickname, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemberInfoRow{}, fmt.Errorf("%w: member", ErrInvalidReference)
		}
		return MemberInfoRow{}, err
	}
	return memberInfoFromColumns(chatID, userID, nickname, role), nil
}

// listChatsForUser returns the chats userID belongs to. chatType filters by
// type when non-empty; only chats with id > afterID are returned.
func listChatsForUser(ctx context.Context, q querier, driver string, userID int64, chatType string, afterID int64) ([]ChatSummary, error) {
	query := `SELECT c.id, c.type, c.creator_id, c.created_at_ms, ci.chat_id, ci.title, ci.avatar, ci.updated_at_ms
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		LEFT JOIN chat_info ci ON ci.chat_id = c.id
		WHERE m.user_id = ? AND c.id > ?`
	args := []any{userID, afterID}
	if chatType != "" {
		query += ` AND c.type = ?`
		args = append(args, chatType)
	}
	query += ` ORDER BY c.id ASC;`

	rows, err := q.QueryContext(ctx, rebindQuery(driver, query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var (
			s         ChatSummary
			creator   sql.NullInt64
			infoChat  sql.NullInt64
			title     sql.NullString
			avatar    []byte
			infoMtime sql.NullInt64
		)
		if err := rows.Scan(&s.Chat.ID, &s.Chat.Type, &creator, &s.Chat.CreatedAtMs, &infoChat, &title, &avatar, &infoMtime); err != nil {
			return nil, err
		}
		if creator.Valid {
			s.Chat.CreatorID = creator.Int64
		}
		if infoChat.Valid {
			s.Info = &ChatInfoRow{
				ChatID:      infoChat.Int64,
				Title:       title.String,
				Avatar:      avatar,
				UpdatedAtMs: infoMtime.Int64,
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListChatsForUser(ctx context.Context, userID int64) ([]ChatSummary, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user", ErrInvalidReference)
	}
	return listChatsForUser(ctx, s.db, s.driver, userID, "", 0)
}

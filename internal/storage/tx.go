package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"messenger-backend/internal/roles"
)

// Tx is a unit of work opened by Store.WithTx. Invariants that span several
// writes are checked and applied through the same Tx.
type Tx struct {
	tx     *sql.Tx
	driver string
}

func (t *Tx) q(query string) string {
	return rebindQuery(t.driver, query)
}

func (t *Tx) GetUser(ctx context.Context, userID int64) (UserRow, error) {
	return getUserByID(ctx, t.tx, t.driver, userID)
}

// MissingUsers returns the ids in ids that do not resolve to a user. Zero and
// negative ids are always missing.
func (t *Tx) MissingUsers(ctx context.Context, ids []int64) ([]int64, error) {
	var missing []int64
	var lookup []any
	for _, id := range ids {
		if id <= 0 {
			missing = append(missing, id)
			continue
		}
		lookup = append(lookup, id)
	}
	if len(lookup) == 0 {
		return missing, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(lookup)), ",")
	rows, err := t.tx.QueryContext(ctx, t.q(fmt.Sprintf(`SELECT id FROM users WHERE id IN (%s);`, placeholders)), lookup...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[int64]struct{}, len(lookup))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, v := range lookup {
		id := v.(int64)
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (t *Tx) GetChat(ctx context.Context, chatID int64) (ChatRow, error) {
	return getChat(ctx, t.tx, t.driver, chatID)
}

// LockChat reads chatID and holds its row until the transaction ends.
// Every write that depends on the chat's creator or membership locks the
// chat first, so two writers of the same chat cannot interleave their checks.
func (t *Tx) LockChat(ctx context.Context, chatID int64) (ChatRow, error) {
	return selectChat(ctx, t.tx, t.driver, chatID, true)
}

func (t *Tx) GetChatWithMembers(ctx context.Context, chatID int64) (ChatWithMembers, error) {
	return getChatWithMembers(ctx, t.tx, t.driver, chatID)
}

// GetChatSummary returns the chat together with its info, nil when unset.
func (t *Tx) GetChatSummary(ctx context.Context, chatID int64) (ChatSummary, error) {
	return getChatSummary(ctx, t.tx, t.driver, chatID)
}

func (t *Tx) GetDialogByKey(ctx context.Context, key string) (ChatRow, error) {
	return getDialogByKey(ctx, t.tx, t.driver, key)
}

func (t *Tx) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	return isMember(ctx, t.tx, t.driver, chatID, userID)
}

func (t *Tx) ListMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	return listMemberIDs(ctx, t.tx, t.driver, chatID)
}

func (t *Tx) GetMemberInfo(ctx context.Context, chatID, userID int64) (MemberInfoRow, error) {
	return getMemberInfo(ctx, t.tx, t.driver, chatID, userID)
}

func (t *Tx) ListGroupChatsForUserAfter(ctx context.Context, userID, afterChatID int64) ([]ChatSummary, error) {
	return listChatsForUser(ctx, t.tx, t.driver, userID, ChatTypeGroup, afterChatID)
}

func (t *Tx) ListUsersAfter(ctx context.Context, afterID int64, limit int) ([]UserRow, error) {
	return listUsersAfter(ctx, t.tx, t.driver, afterID, limit)
}

func (t *Tx) GetUsersByIDs(ctx context.Context, ids []int64) ([]UserRow, error) {
	return getUsersByIDs(ctx, t.tx, t.driver, ids)
}

func (t *Tx) ListMessagesAfter(ctx context.Context, chatID, afterID int64, limit int, nowMs int64) ([]MessageRow, bool, error) {
	return listMessagesAfter(ctx, t.tx, t.driver, chatID, afterID, limit, nowMs)
}

// CreateChat inserts a chat row. dialogKey must be set for dialogs and empty
// for groups; a duplicate key reports ErrAlreadyExists.
func (t *Tx) CreateChat(ctx context.Context, chatType string, creatorID int64, dialogKey string, nowMs int64) (ChatRow, error) {
	var creatorVal any
	if creatorID > 0 {
		creatorVal = creatorID
	}
	var keyVal any
	if dialogKey != "" {
		keyVal = dialogKey
	}

	chat := ChatRow{Type: chatType, CreatorID: creatorID, CreatedAtMs: nowMs}
	q := `INSERT INTO chats (type, creator_id, dialog_key, created_at_ms) VALUES (?, ?, ?, ?) RETURNING id;`
	if err := t.tx.QueryRowContext(ctx, t.q(q), chatType, creatorVal, keyVal, nowMs).Scan(&chat.ID); err != nil {
		if isUniqueViolation(err) {
			return ChatRow{}, fmt.Errorf("%w: dialog", ErrAlreadyExists)
		}
		if isForeignKeyViolation(err) {
			return ChatRow{}, fmt.Errorf("%w: creator", ErrInvalidReference)
		}
		return ChatRow{}, err
	}
	return chat, nil
}

// InsertMember adds userID to chatID. It reports false when the user already
// is a member.
func (t *Tx) InsertMember(ctx context.Context, chatID, userID, nowMs int64) (bool, error) {
	q := `INSERT INTO chat_members (chat_id, user_id, joined_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO NOTHING;`
	res, err := t.tx.ExecContext(ctx, t.q(q), chatID, userID, nowMs)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: user", ErrInvalidReference)
		}
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DeleteMember removes a membership together with its member info.
func (t *Tx) DeleteMember(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q(`DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?;`), chatID, userID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (t *Tx) SetCreator(ctx context.Context, chatID, userID int64) error {
	res, err := t.tx.ExecContext(ctx, t.q(`UPDATE chats SET creator_id = ? WHERE id = ? AND type = ?;`), userID, chatID, ChatTypeGroup)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: chat", ErrInvalidReference)
	}
	return nil
}

func (t *Tx) UpsertChatInfo(ctx context.Context, chatID int64, title string, avatar []byte, nowMs int64) (ChatInfoRow, error) {
	q := `INSERT INTO chat_info (chat_id, title, avatar, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			title = excluded.title,
			avatar = excluded.avatar,
			updated_at_ms = excluded.updated_at_ms;`
	title = nfc(title)
	var avatarVal any
	if avatar != nil {
		avatarVal = avatar
	}
	if _, err := t.tx.ExecContext(ctx, t.q(q), chatID, title, avatarVal, nowMs); err != nil {
		return ChatInfoRow{}, err
	}
	return ChatInfoRow{ChatID: chatID, Title: title, Avatar: avatar, UpdatedAtMs: nowMs}, nil
}

func (t *Tx) DeleteChatInfo(ctx context.Context, chatID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q(`DELETE FROM chat_info WHERE chat_id = ?;`), chatID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// UpsertMemberInfo writes nickname and role for a member. The membership must
// exist; a missing one reports ErrInvalidReference through the foreign key.
func (t *Tx) UpsertMemberInfo(ctx context.Context, chatID, userID int64, nickname *string, role roles.Role, nowMs int64) (MemberInfoRow, error) {
	if !role.Valid() {
		return MemberInfoRow{}, fmt.Errorf("%w: role %q", ErrConflict, role)
	}
	q := `INSERT INTO member_info (chat_id, user_id, nickname, role, updated_at_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			nickname = excluded.nickname,
			role = excluded.role,
			updated_at_ms = excluded.updated_at_ms;`
	nickname = nfcPtr(nickname)
	var nickVal sql.NullString
	if nickname != nil {
		nickVal = sql.NullString{String: *nickname, Valid: true}
	}
	if _, err := t.tx.ExecContext(ctx, t.q(q), chatID, userID, nickVal, string(role), nowMs); err != nil {
		if isForeignKeyViolation(err) {
			return MemberInfoRow{}, fmt.Errorf("%w: member", ErrInvalidReference)
		}
		return MemberInfoRow{}, err
	}
	return MemberInfoRow{ChatID: chatID, UserID: userID, Nickname: nickname, Role: role, Stored: true}, nil
}

// SetMemberRole changes only the role, keeping any stored nickname.
func (t *Tx) SetMemberRole(ctx context.Context, chatID, userID int64, role roles.Role, nowMs int64) (MemberInfoRow, error) {
	current, err := t.GetMemberInfo(ctx, chatID, userID)
	if err != nil {
		return MemberInfoRow{}, err
	}
	return t.UpsertMemberInfo(ctx, chatID, userID, current.Nickname, role, nowMs)
}

func (t *Tx) DeleteMemberInfo(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q(`DELETE FROM member_info WHERE chat_id = ? AND user_id = ?;`), chatID, userID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (t *Tx) DeleteChat(ctx context.Context, chatID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q(`DELETE FROM chats WHERE id = ?;`), chatID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// InsertMessage stores a message and its attachments.
func (t *Tx) InsertMessage(ctx context.Context, chatID, senderID int64, text *string, attachments []NewAttachment, nowMs int64, expiresAtMs *int64) (MessageRow, error) {
	msg := MessageRow{
		ChatID:      chatID,
		SenderID:    senderID,
		Text:        text,
		CreatedAtMs: nowMs,
		ExpiresAtMs: expiresAtMs,
	}

	var textVal any
	if text != nil {
		textVal = *text
	}
	var expiresVal any
	if expiresAtMs != nil {
		expiresVal = *expiresAtMs
	}

	insertQ := `INSERT INTO messages (chat_id, sender_id, text, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?) RETURNING id;`
	if err := t.tx.QueryRowContext(ctx, t.q(insertQ), chatID, senderID, textVal, nowMs, expiresVal).Scan(&msg.ID); err != nil {
		if isForeignKeyViolation(err) {
			return MessageRow{}, fmt.Errorf("%w: chat or sender", ErrInvalidReference)
		}
		return MessageRow{}, err
	}

	attachQ := `INSERT INTO attachments (message_id, type, data) VALUES (?, ?, ?) RETURNING id;`
	for _, a := range attachments {
		row := AttachmentRow{MessageID: msg.ID, Type: a.Type, Data: a.Data}
		if err := t.tx.QueryRowContext(ctx, t.q(attachQ), msg.ID, a.Type, a.Data).Scan(&row.ID); err != nil {
			return MessageRow{}, err
		}
		msg.Attachments = append(msg.Attachments, row)
	}
	return msg, nil
}

// NextMemberAfterCreator picks the longest-standing member other than
// excludeID, used to hand over creatorship.
func (t *Tx) NextMemberAfterCreator(ctx context.Context, chatID, excludeID int64) (int64, bool, error) {
	q := `SELECT user_id FROM chat_members WHERE chat_id = ? AND user_id <> ?
		ORDER BY joined_at_ms ASC, user_id ASC LIMIT 1;`
	var id int64
	if err := t.tx.QueryRowContext(ctx, t.q(q), chatID, excludeID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// DeleteUser removes a user. Dialogs of the user are deleted, groups they
// created are handed to the longest-standing member or deleted when empty.
// It returns every chat the user belonged to.
func (t *Tx) DeleteUser(ctx context.Context, userID int64, nowMs int64) ([]int64, error) {
	if _, err := t.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	chatIDs, err := t.chatIDsForUser(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	// Ascending order, so concurrent deletions lock chats in the same order.
	// A chat deleted meanwhile is dropped from the result.
	locked := chatIDs[:0]
	for _, id := range chatIDs {
		if _, err := t.LockChat(ctx, id); err != nil {
			if errors.Is(err, ErrInvalidReference) {
				continue
			}
			return nil, err
		}
		locked = append(locked, id)
	}
	chatIDs = locked
	dialogIDs, err := t.chatIDsForUser(ctx, userID, ChatTypeDialog)
	if err != nil {
		return nil, err
	}
	for _, id := range dialogIDs {
		if _, err := t.DeleteChat(ctx, id); err != nil {
			return nil, err
		}
	}

	created, err := t.groupsCreatedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, chatID := range created {
		next, ok, err := t.NextMemberAfterCreator(ctx, chatID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			if _, err := t.DeleteChat(ctx, chatID); err != nil {
				return nil, err
			}
			continue
		}
		if err := t.SetCreator(ctx, chatID, next); err != nil {
			return nil, err
		}
		if _, err := t.SetMemberRole(ctx, chatID, next, roles.Moderator, nowMs); err != nil {
			return nil, err
		}
	}

	if _, err := t.tx.ExecContext(ctx, t.q(`DELETE FROM users WHERE id = ?;`), userID); err != nil {
		return nil, err
	}
	return chatIDs, nil
}

func (t *Tx) chatIDsForUser(ctx context.Context, userID int64, chatType string) ([]int64, error) {
	q := `SELECT c.id FROM chats c JOIN chat_members m ON m.chat_id = c.id WHERE m.user_id = ?`
	args := []any{userID}
	if chatType != "" {
		q += ` AND c.type = ?`
		args = append(args, chatType)
	}
	return t.queryIDs(ctx, q+";", args...)
}

func (t *Tx) groupsCreatedBy(ctx context.Context, userID int64) ([]int64, error) {
	return t.queryIDs(ctx, `SELECT id FROM chats WHERE type = ? AND creator_id = ?;`, ChatTypeGroup, userID)
}

func (t *Tx) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, t.q(query), args...)
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
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

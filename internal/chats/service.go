// Package chats enforces the chat type, membership, role and creator rules
// on top of the store. Every check runs in the transaction that performs the
// write it guards, and successful writes are announced through a Notifier
// after commit. Writes lock the chat row before checking anything.
//
// Checks run in a fixed order: existence, chat type, caller permission,
// creator protection, target membership.
package chats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"messenger-backend/internal/notify"
	"messenger-backend/internal/roles"
	"messenger-backend/internal/storage"
)

// Notifier receives the keys touched by a committed write.
type Notifier interface {
	Notify(key notify.Key) int
}

type Service struct {
	logger   *slog.Logger
	store    *storage.Store
	notifier Notifier
	now      func() time.Time
}

func NewService(logger *slog.Logger, store *storage.Store, notifier Notifier) *Service {
	return &Service{
		logger:   logger.With("component", "chats"),
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// MemberInfo is the effective info of a member together with the permissions
// its role grants.
type MemberInfo struct {
	storage.MemberInfoRow
	Permissions roles.Permission
}

func newMemberInfo(row storage.MemberInfoRow) MemberInfo {
	return MemberInfo{MemberInfoRow: row, Permissions: row.Role.Permissions()}
}

// MemberInfoUpdate carries new member info. Role is only applied when the
// caller asks for a role update.
type MemberInfoUpdate struct {
	Nickname *string
	Role     *roles.Role
}

type MessageDraft struct {
	Text        *string
	Attachments []storage.NewAttachment
	ExpiresAtMs *int64
}

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

// changes collects the keys a transaction touched so they can be notified
// once it committed.
type changes []notify.Key

func (c *changes) chat(id int64) { *c = append(*c, notify.ChatKey(id)) }
func (c *changes) user(id int64) { *c = append(*c, notify.UserKey(id)) }
func (c *changes) users(ids []int64) {
	for _, id := range ids {
		c.user(id)
	}
}

func (s *Service) publish(c changes) {
	if s.notifier == nil {
		return
	}
	seen := make(map[notify.Key]struct{}, len(c))
	for _, key := range c {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		s.notifier.Notify(key)
	}
}

func invalidRef(what string) error {
	return fmt.Errorf("%w: %s", storage.ErrInvalidReference, what)
}

func requireGroup(chat storage.ChatRow) error {
	if chat.IsDialog() {
		return fmt.Errorf("%w: chat %d is a dialog", storage.ErrTypeMismatch, chat.ID)
	}
	return nil
}

// permissionsTx resolves what userID may do in chat. Non-members hold no
// permissions.
func permissionsTx(ctx context.Context, tx *storage.Tx, userID int64, chat storage.ChatRow) (roles.Permission, error) {
	if userID <= 0 {
		return 0, invalidRef("user")
	}
	member, err := tx.IsMember(ctx, chat.ID, userID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, nil
	}
	if chat.IsDialog() {
		return roles.DialogPermissions, nil
	}
	info, err := tx.GetMemberInfo(ctx, chat.ID, userID)
	if err != nil {
		return 0, err
	}
	return info.Role.Permissions(), nil
}

func requireTx(ctx context.Context, tx *storage.Tx, userID int64, chat storage.ChatRow, required roles.Permission) error {
	have, err := permissionsTx(ctx, tx, userID, chat)
	if err != nil {
		return err
	}
	if !have.Has(required) {
		missing := required &^ have
		return fmt.Errorf("%w: missing %s", storage.ErrPermissionDenied, strings.Join(missing.Names(), ","))
	}
	return nil
}

func checkUsersExist(ctx context.Context, tx *storage.Tx, ids []int64) error {
	missing, err := tx.MissingUsers(ctx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: users %v", storage.ErrInvalidReference, missing)
	}
	return nil
}

func checkUnique(ids []int64) error {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate user %d", storage.ErrConflict, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// CreateGroupChat creates a group of members. The first member becomes the
// creator with the Moderator role; the others get the default role. The chat
// always gets info with the given title, which may be empty.
func (s *Service) CreateGroupChat(ctx context.Context, members []int64, title string) (storage.ChatWithMembers, error) {
	if len(members) == 0 {
		return storage.ChatWithMembers{}, invalidRef("no members")
	}
	if err := checkUnique(members); err != nil {
		return storage.ChatWithMembers{}, err
	}

	nowMs := s.nowMs()
	var out storage.ChatWithMembers
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := checkUsersExist(ctx, tx, members); err != nil {
			return err
		}
		creatorID := members[0]
		chat, err := tx.CreateChat(ctx, storage.ChatTypeGroup, creatorID, "", nowMs)
		if err != nil {
			return err
		}
		for _, id := range members {
			if _, err := tx.InsertMember(ctx, chat.ID, id, nowMs); err != nil {
				return err
			}
		}
		if _, err := tx.UpsertMemberInfo(ctx, chat.ID, creatorID, nil, roles.Moderator, nowMs); err != nil {
			return err
		}
		if _, err := tx.UpsertChatInfo(ctx, chat.ID, title, nil, nowMs); err != nil {
			return err
		}
		out, err = tx.GetChatWithMembers(ctx, chat.ID)
		return err
	})
	if err != nil {
		return storage.ChatWithMembers{}, err
	}

	var c changes
	c.users(members)
	s.publish(c)
	s.logger.Info("group created", "chatId", out.Chat.ID, "creatorId", out.Chat.CreatorID, "members", len(members))
	return out, nil
}

// CreateOrGetDialog returns the dialog between a and b, creating it when it
// does not exist yet. created reports whether this call created it.
func (s *Service) CreateOrGetDialog(ctx context.Context, a, b int64) (dialog storage.ChatWithMembers, created bool, err error) {
	if a <= 0 || b <= 0 {
		return storage.ChatWithMembers{}, false, invalidRef("user")
	}
	if a == b {
		return storage.ChatWithMembers{}, false, fmt.Errorf("%w: dialog with oneself", storage.ErrConflict)
	}

	key := storage.DialogKey(a, b)
	// A concurrent creator may win the unique key; the second attempt then
	// finds its dialog.
	for attempt := 0; attempt < 2; attempt++ {
		created = false
		err = s.store.WithTx(ctx, func(tx *storage.Tx) error {
			existing, err := tx.GetDialogByKey(ctx, key)
			switch {
			case err == nil:
				dialog, err = tx.GetChatWithMembers(ctx, existing.ID)
				return err
			case !errors.Is(err, storage.ErrInvalidReference):
				return err
			}

			if err := checkUsersExist(ctx, tx, []int64{a, b}); err != nil {
				return err
			}
			nowMs := s.nowMs()
			chat, err := tx.CreateChat(ctx, storage.ChatTypeDialog, 0, key, nowMs)
			if err != nil {
				return err
			}
			for _, id := range []int64{a, b} {
				if _, err := tx.InsertMember(ctx, chat.ID, id, nowMs); err != nil {
					return err
				}
			}
			created = true
			dialog, err = tx.GetChatWithMembers(ctx, chat.ID)
			return err
		})
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		return storage.ChatWithMembers{}, false, err
	}

	if created {
		var c changes
		c.users([]int64{a, b})
		s.publish(c)
		s.logger.Info("dialog created", "chatId", dialog.Chat.ID)
	}
	return dialog, created, nil
}

// AddMembers adds users to a group. Every id must name an existing user or
// nothing is added. Ids that already are members are skipped. It returns the
// ids that were actually added.
func (s *Service) AddMembers(ctx context.Context, actorID, chatID int64, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: no users to add", storage.ErrConflict)
	}

	nowMs := s.nowMs()
	var added []int64
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.ManageMembers); err != nil {
			return err
		}
		if err := checkUsersExist(ctx, tx, userIDs); err != nil {
			return err
		}
		seen := make(map[int64]struct{}, len(userIDs))
		for _, id := range userIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ok, err := tx.InsertMember(ctx, chat.ID, id, nowMs)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(added) > 0 {
		var c changes
		c.chat(chatID)
		c.users(added)
		s.publish(c)
	}
	return added, nil
}

// AddMember adds one user. Unlike the batch form, adding an existing member
// reports ErrAlreadyExists.
func (s *Service) AddMember(ctx context.Context, actorID, chatID, userID int64) error {
	added, err := s.AddMembers(ctx, actorID, chatID, []int64{userID})
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return fmt.Errorf("%w: member", storage.ErrAlreadyExists)
	}
	return nil
}

// KickMembers removes users from a group. The batch is all-or-nothing: the
// creator in the set or an id that is not a member rejects the whole call.
func (s *Service) KickMembers(ctx context.Context, actorID, chatID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return fmt.Errorf("%w: no users to kick", storage.ErrConflict)
	}

	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.ManageMembers); err != nil {
			return err
		}
		for _, id := range userIDs {
			if id == chat.CreatorID {
				return fmt.Errorf("%w: user %d created chat %d", storage.ErrCreatorProtected, id, chat.ID)
			}
		}
		for _, id := range userIDs {
			if id <= 0 {
				return invalidRef("user")
			}
			ok, err := tx.IsMember(ctx, chat.ID, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: user %d is not a member", storage.ErrInvalidReference, id)
			}
		}
		for _, id := range userIDs {
			if _, err := tx.DeleteMember(ctx, chat.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var c changes
	c.chat(chatID)
	c.users(userIDs)
	s.publish(c)
	return nil
}

func (s *Service) KickMember(ctx context.Context, actorID, chatID, userID int64) error {
	return s.KickMembers(ctx, actorID, chatID, []int64{userID})
}

// LeaveChat removes userID from a group on their own behalf. The creator
// cannot leave; they hand over creatorship first.
func (s *Service) LeaveChat(ctx context.Context, userID, chatID int64) error {
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if userID <= 0 {
			return invalidRef("user")
		}
		if userID == chat.CreatorID {
			return fmt.Errorf("%w: creator cannot leave", storage.ErrCreatorProtected)
		}
		removed, err := tx.DeleteMember(ctx, chat.ID, userID)
		if err != nil {
			return err
		}
		if !removed {
			return invalidRef("member")
		}
		return nil
	})
	if err != nil {
		return err
	}

	var c changes
	c.chat(chatID)
	c.user(userID)
	s.publish(c)
	return nil
}

// SetCreator hands creatorship to another member. Only the current creator
// may do it, and the new creator is forced to Moderator.
func (s *Service) SetCreator(ctx context.Context, actorID, chatID, newCreatorID int64) error {
	nowMs := s.nowMs()
	var changed bool
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if actorID <= 0 {
			return invalidRef("user")
		}
		if actorID != chat.CreatorID {
			return fmt.Errorf("%w: only the creator can hand over the chat", storage.ErrPermissionDenied)
		}
		if newCreatorID <= 0 {
			return invalidRef("user")
		}
		ok, err := tx.IsMember(ctx, chat.ID, newCreatorID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: user %d is not a member", storage.ErrInvalidReference, newCreatorID)
		}
		if newCreatorID == chat.CreatorID {
			return nil
		}
		if err := tx.SetCreator(ctx, chat.ID, newCreatorID); err != nil {
			return err
		}
		changed = true
		_, err = tx.SetMemberRole(ctx, chat.ID, newCreatorID, roles.Moderator, nowMs)
		return err
	})
	if err != nil || !changed {
		return err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return nil
}

// SetRole creates or overwrites the role of a member and returns the
// resulting info. The creator always stays Moderator.
func (s *Service) SetRole(ctx context.Context, actorID, chatID, userID int64, role roles.Role) (MemberInfo, error) {
	if !role.Valid() {
		return MemberInfo{}, fmt.Errorf("%w: unknown role %q", storage.ErrConflict, role)
	}

	var out storage.MemberInfoRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.ManageMembers); err != nil {
			return err
		}
		if userID <= 0 {
			return invalidRef("user")
		}
		if userID == chat.CreatorID && role != roles.Moderator {
			return fmt.Errorf("%w: creator must stay moderator", storage.ErrCreatorProtected)
		}
		out, err = tx.SetMemberRole(ctx, chat.ID, userID, role, s.nowMs())
		return err
	})
	if err != nil {
		return MemberInfo{}, err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return newMemberInfo(out), nil
}

// SetMemberInfo writes the nickname of a member and, when updateRole is set,
// its role. A role update without a role is rejected. Members may change
// their own nickname; anything else needs ManageMembers.
func (s *Service) SetMemberInfo(ctx context.Context, actorID, chatID, userID int64, update MemberInfoUpdate, updateRole bool) (MemberInfo, error) {
	if updateRole {
		if update.Role == nil {
			return MemberInfo{}, fmt.Errorf("%w: role update without a role", storage.ErrConflict)
		}
		if !update.Role.Valid() {
			return MemberInfo{}, fmt.Errorf("%w: unknown role %q", storage.ErrConflict, *update.Role)
		}
	}

	var out storage.MemberInfoRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		required := roles.ManageMembers
		if actorID == userID && !updateRole {
			required = roles.Read
		}
		if err := requireTx(ctx, tx, actorID, chat, required); err != nil {
			return err
		}
		if userID <= 0 {
			return invalidRef("user")
		}
		if updateRole && userID == chat.CreatorID && *update.Role != roles.Moderator {
			return fmt.Errorf("%w: creator must stay moderator", storage.ErrCreatorProtected)
		}
		current, err := tx.GetMemberInfo(ctx, chat.ID, userID)
		if err != nil {
			return err
		}
		role := current.Role
		if updateRole {
			role = *update.Role
		}
		out, err = tx.UpsertMemberInfo(ctx, chat.ID, userID, update.Nickname, role, s.nowMs())
		return err
	})
	if err != nil {
		return MemberInfo{}, err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return newMemberInfo(out), nil
}

// DeleteMemberInfo drops the stored info of a member, reverting it to the
// default role without a nickname. The creator's record cannot be dropped.
func (s *Service) DeleteMemberInfo(ctx context.Context, actorID, chatID, userID int64) error {
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.ManageMembers); err != nil {
			return err
		}
		if userID <= 0 {
			return invalidRef("user")
		}
		if userID == chat.CreatorID {
			return fmt.Errorf("%w: creator must stay moderator", storage.ErrCreatorProtected)
		}
		removed, err := tx.DeleteMemberInfo(ctx, chat.ID, userID)
		if err != nil {
			return err
		}
		if !removed {
			return invalidRef("member info")
		}
		return nil
	})
	if err != nil {
		return err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return nil
}

// GetMemberInfo returns the effective info of a group member, defaulting to
// the Regular role when none is stored.
func (s *Service) GetMemberInfo(ctx context.Context, actorID, chatID, userID int64) (MemberInfo, error) {
	var out storage.MemberInfoRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.Read); err != nil {
			return err
		}
		if userID <= 0 {
			return invalidRef("user")
		}
		out, err = tx.GetMemberInfo(ctx, chat.ID, userID)
		return err
	})
	if err != nil {
		return MemberInfo{}, err
	}
	return newMemberInfo(out), nil
}

// SetChatInfo replaces title and avatar of a group.
func (s *Service) SetChatInfo(ctx context.Context, actorID, chatID int64, title string, avatar []byte) (storage.ChatInfoRow, error) {
	var out storage.ChatInfoRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.EditChatInfo); err != nil {
			return err
		}
		out, err = tx.UpsertChatInfo(ctx, chat.ID, title, avatar, s.nowMs())
		return err
	})
	if err != nil {
		return storage.ChatInfoRow{}, err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return out, nil
}

// DeleteChatInfo reverts a group to having no info. The chat itself stays.
func (s *Service) DeleteChatInfo(ctx context.Context, actorID, chatID int64) error {
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, chat, roles.EditChatInfo); err != nil {
			return err
		}
		removed, err := tx.DeleteChatInfo(ctx, chat.ID)
		if err != nil {
			return err
		}
		if !removed {
			return invalidRef("chat info")
		}
		return nil
	})
	if err != nil {
		return err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return nil
}

func (s *Service) GetChatInfo(ctx context.Context, actorID, chatID int64) (storage.ChatInfoRow, error) {
	var out storage.ChatInfoRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		summary, err := tx.GetChatSummary(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireGroup(summary.Chat); err != nil {
			return err
		}
		if err := requireTx(ctx, tx, actorID, summary.Chat, roles.Read); err != nil {
			return err
		}
		if summary.Info == nil {
			return invalidRef("chat info")
		}
		out = *summary.Info
		return nil
	})
	return out, err
}

// Permissions returns what userID may do in chatID. Non-members get an empty
// set rather than an error.
func (s *Service) Permissions(ctx context.Context, userID, chatID int64) (roles.Permission, error) {
	var out roles.Permission
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		out, err = permissionsTx(ctx, tx, userID, chat)
		return err
	})
	return out, err
}

// Authorize reports whether userID holds every bit of required in chatID.
// Errors are reserved for ids that do not resolve.
func (s *Service) Authorize(ctx context.Context, userID, chatID int64, required roles.Permission) (bool, error) {
	have, err := s.Permissions(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	return have.Has(required), nil
}

// Require is Authorize reporting a denial as ErrPermissionDenied.
func (s *Service) Require(ctx context.Context, userID, chatID int64, required roles.Permission) error {
	return s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		return requireTx(ctx, tx, userID, chat, required)
	})
}

// PostMessage stores a message from senderID. A message needs text or at
// least one attachment; attachments need the Attach permission. An expiry
// that already passed is rejected.
func (s *Service) PostMessage(ctx context.Context, senderID, chatID int64, draft MessageDraft) (storage.MessageRow, error) {
	hasText := draft.Text != nil && *draft.Text != ""
	if !hasText && len(draft.Attachments) == 0 {
		return storage.MessageRow{}, fmt.Errorf("%w: empty message", storage.ErrConflict)
	}
	for _, a := range draft.Attachments {
		if strings.TrimSpace(a.Type) == "" {
			return storage.MessageRow{}, fmt.Errorf("%w: attachment without type", storage.ErrConflict)
		}
	}
	nowMs := s.nowMs()
	if draft.ExpiresAtMs != nil && *draft.ExpiresAtMs <= nowMs {
		return storage.MessageRow{}, fmt.Errorf("%w: expiry already passed", storage.ErrConflict)
	}
	text := draft.Text
	if !hasText {
		text = nil
	}

	required := roles.Write
	if len(draft.Attachments) > 0 {
		required |= roles.Attach
	}

	var out storage.MessageRow
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireTx(ctx, tx, senderID, chat, required); err != nil {
			return err
		}
		out, err = tx.InsertMessage(ctx, chat.ID, senderID, text, draft.Attachments, nowMs, draft.ExpiresAtMs)
		return err
	})
	if err != nil {
		return storage.MessageRow{}, err
	}

	var c changes
	c.chat(chatID)
	s.publish(c)
	return out, nil
}

// ListMessages pages backwards through the history of a chat the caller can
// read.
func (s *Service) ListMessages(ctx context.Context, userID, chatID int64, limit int, beforeID int64) ([]storage.MessageRow, bool, error) {
	if err := s.Require(ctx, userID, chatID, roles.Read); err != nil {
		return nil, false, err
	}
	return s.store.ListMessages(ctx, chatID, limit, beforeID, s.nowMs())
}

// GetMessage returns one live message of a chat the caller can read. A
// message of another chat is reported as missing.
func (s *Service) GetMessage(ctx context.Context, userID, chatID, messageID int64) (storage.MessageRow, error) {
	if err := s.Require(ctx, userID, chatID, roles.Read); err != nil {
		return storage.MessageRow{}, err
	}
	msg, err := s.store.GetMessage(ctx, messageID, s.nowMs())
	if err != nil {
		return storage.MessageRow{}, err
	}
	if msg.ChatID != chatID {
		return storage.MessageRow{}, invalidRef("message")
	}
	return msg, nil
}

// GetChat returns a chat with its members. Only members may see it.
func (s *Service) GetChat(ctx context.Context, userID, chatID int64) (storage.ChatWithMembers, error) {
	var out storage.ChatWithMembers
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if err := requireTx(ctx, tx, userID, chat, roles.Read); err != nil {
			return err
		}
		out, err = tx.GetChatWithMembers(ctx, chat.ID)
		return err
	})
	return out, err
}

func (s *Service) ListChats(ctx context.Context, userID int64) ([]storage.ChatSummary, error) {
	return s.store.ListChatsForUser(ctx, userID)
}

// DeleteChat removes a chat with everything in it. Groups can only be deleted
// by their creator; either party may delete a dialog.
func (s *Service) DeleteChat(ctx context.Context, actorID, chatID int64) error {
	var members []int64
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		chat, err := tx.LockChat(ctx, chatID)
		if err != nil {
			return err
		}
		if actorID <= 0 {
			return invalidRef("user")
		}
		if chat.IsDialog() {
			if err := requireTx(ctx, tx, actorID, chat, roles.Read); err != nil {
				return err
			}
		} else if actorID != chat.CreatorID {
			return fmt.Errorf("%w: only the creator can delete the chat", storage.ErrPermissionDenied)
		}
		members, err = tx.ListMemberIDs(ctx, chat.ID)
		if err != nil {
			return err
		}
		_, err = tx.DeleteChat(ctx, chat.ID)
		return err
	})
	if err != nil {
		return err
	}

	var c changes
	c.chat(chatID)
	c.users(members)
	s.publish(c)
	s.logger.Info("chat deleted", "chatId", chatID, "actorId", actorID)
	return nil
}

// DeleteUser removes a user. Their dialogs go with them; groups they created
// pass to the longest-standing member or are deleted when nobody is left.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	chatIDs, err := s.store.DeleteUser(ctx, userID, s.nowMs())
	if err != nil {
		return err
	}

	var c changes
	for _, id := range chatIDs {
		c.chat(id)
	}
	c.user(userID)
	s.publish(c)
	s.logger.Info("user deleted", "userId", userID, "chats", len(chatIDs))
	return nil
}

// SweepExpired removes messages whose expiry passed and wakes the chats they
// belonged to. It returns the number of removed messages.
func (s *Service) SweepExpired(ctx context.Context, batch int) (int, error) {
	removed, err := s.store.DeleteExpiredMessages(ctx, s.nowMs(), batch)
	if err != nil {
		return 0, err
	}
	var c changes
	for _, m := range removed {
		c.chat(m.ChatID)
	}
	s.publish(c)
	if len(removed) > 0 {
		s.logger.Debug("expired messages swept", "count", len(removed))
	}
	return len(removed), nil
}

// Package reconcile answers "what changed since my snapshot?" for a client
// that declares watermarks and content hashes instead of re-fetching state.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"messenger-backend/internal/digest"
	"messenger-backend/internal/notify"
	"messenger-backend/internal/roles"
	"messenger-backend/internal/storage"
)

// UnknownHash declares an entity the client knows by id but whose content it
// does not have. It never matches, so the entity is always sent.
const UnknownHash = ""

type ChatState struct {
	ChatID            int64
	LastSeenMessageID int64
	ChatHash          string
	MemberHashes      map[int64]string
}

// ClientState is the snapshot a client declares. It is owned by the client;
// the server keeps no cursor of its own.
type ClientState struct {
	LastSeenUserID int64
	LastSeenChatID int64
	UserHashes     map[int64]string
	Chats          []ChatState
}

type UserEntry struct {
	User storage.UserRow
	Hash string
}

type MemberEntry struct {
	Member storage.MemberRow
	Hash   string
}

// ChatDelta is what changed in one chat. Chat is set when the chat is new to
// the client or its content hash changed.
type ChatDelta struct {
	ChatID          int64
	New             bool
	Chat            *storage.ChatSummary
	ChatHash        string
	Messages        []storage.MessageRow
	HasMoreMessages bool
	NewMembers      []MemberEntry
	ChangedMembers  []MemberEntry
	RemovedMembers  []int64
}

func (d ChatDelta) empty() bool {
	return d.Chat == nil &&
		len(d.Messages) == 0 &&
		len(d.NewMembers) == 0 &&
		len(d.ChangedMembers) == 0 &&
		len(d.RemovedMembers) == 0
}

type Delta struct {
	NewUsers     []UserEntry
	ChangedUsers []UserEntry
	DeletedUsers []int64
	HasMoreUsers bool
	Chats        []ChatDelta
	// LeftChats lists declared chats the user no longer belongs to.
	LeftChats []int64
	// LastUserID and LastChatID are the watermarks for the next request.
	LastUserID int64
	LastChatID int64
}

// Authorizer checks chat permissions. The chats service implements it.
type Authorizer interface {
	Require(ctx context.Context, userID, chatID int64, required roles.Permission) error
}

type Options struct {
	MaxMessagesPerChat int
	MaxNewUsers        int
	MaxWait            time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxMessagesPerChat <= 0 {
		o.MaxMessagesPerChat = 200
	}
	if o.MaxNewUsers <= 0 {
		o.MaxNewUsers = 500
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 30 * time.Second
	}
	return o
}

type Engine struct {
	logger   *slog.Logger
	store    *storage.Store
	registry *notify.Registry
	auth     Authorizer
	opts     Options
	now      func() time.Time
}

func NewEngine(logger *slog.Logger, store *storage.Store, registry *notify.Registry, auth Authorizer, opts Options) *Engine {
	return &Engine{
		logger:   logger.With("component", "reconcile"),
		store:    store,
		registry: registry,
		auth:     auth,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// Reconcile computes the difference between state and the server's view for
// userID. All reads share one transaction so the delta is a consistent
// snapshot. Entities the client already has current are never included.
func (e *Engine) Reconcile(ctx context.Context, userID int64, state ClientState) (Delta, error) {
	if userID <= 0 {
		return Delta{}, fmt.Errorf("%w: user", storage.ErrInvalidReference)
	}
	nowMs := e.now().UnixMilli()

	var delta Delta
	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := e.users(ctx, tx, state, &delta); err != nil {
			return err
		}
		return e.chats(ctx, tx, userID, state, nowMs, &delta)
	})
	if err != nil {
		return Delta{}, err
	}
	return delta, nil
}

func (e *Engine) users(ctx context.Context, tx *storage.Tx, state ClientState, delta *Delta) error {
	newUsers, err := tx.ListUsersAfter(ctx, state.LastSeenUserID, e.opts.MaxNewUsers+1)
	if err != nil {
		return err
	}
	if len(newUsers) > e.opts.MaxNewUsers {
		newUsers = newUsers[:e.opts.MaxNewUsers]
		delta.HasMoreUsers = true
	}
	delta.LastUserID = state.LastSeenUserID
	sent := make(map[int64]struct{}, len(newUsers))
	for _, u := range newUsers {
		delta.NewUsers = append(delta.NewUsers, UserEntry{User: u, Hash: digest.User(u)})
		sent[u.ID] = struct{}{}
		if u.ID > delta.LastUserID {
			delta.LastUserID = u.ID
		}
	}

	if len(state.UserHashes) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(state.UserHashes))
	for id := range state.UserHashes {
		if _, ok := sent[id]; !ok {
			ids = append(ids, id)
		}
	}
	known, err := tx.GetUsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[int64]struct{}, len(known))
	for _, u := range known {
		found[u.ID] = struct{}{}
		h := digest.User(u)
		if declared := state.UserHashes[u.ID]; declared == UnknownHash || declared != h {
			delta.ChangedUsers = append(delta.ChangedUsers, UserEntry{User: u, Hash: h})
		}
	}
	for _, id := range sortedIDs(ids) {
		if _, ok := found[id]; !ok {
			delta.DeletedUsers = append(delta.DeletedUsers, id)
		}
	}
	return nil
}

func (e *Engine) chats(ctx context.Context, tx *storage.Tx, userID int64, state ClientState, nowMs int64, delta *Delta) error {
	declared := make(map[int64]struct{}, len(state.Chats))
	delta.LastChatID = state.LastSeenChatID

	for _, cs := range state.Chats {
		if _, dup := declared[cs.ChatID]; dup {
			continue
		}
		declared[cs.ChatID] = struct{}{}
		member, err := tx.IsMember(ctx, cs.ChatID, userID)
		if err != nil {
			return err
		}
		if !member {
			delta.LeftChats = append(delta.LeftChats, cs.ChatID)
			continue
		}
		d, err := e.knownChat(ctx, tx, cs, nowMs)
		if err != nil {
			return err
		}
		if !d.empty() {
			delta.Chats = append(delta.Chats, d)
		}
	}

	newChats, err := tx.ListGroupChatsForUserAfter(ctx, userID, state.LastSeenChatID)
	if err != nil {
		return err
	}
	for _, summary := range newChats {
		if summary.Chat.ID > delta.LastChatID {
			delta.LastChatID = summary.Chat.ID
		}
		if _, ok := declared[summary.Chat.ID]; ok {
			continue
		}
		d, err := e.newChat(ctx, tx, summary, nowMs)
		if err != nil {
			return err
		}
		delta.Chats = append(delta.Chats, d)
	}
	return nil
}

// newChat sends a chat the client has never seen: content, every member and
// the latest page of messages.
func (e *Engine) newChat(ctx context.Context, tx *storage.Tx, summary storage.ChatSummary, nowMs int64) (ChatDelta, error) {
	full, err := tx.GetChatWithMembers(ctx, summary.Chat.ID)
	if err != nil {
		return ChatDelta{}, err
	}
	d := ChatDelta{
		ChatID:   summary.Chat.ID,
		New:      true,
		Chat:     &full.ChatSummary,
		ChatHash: digest.Chat(full.ChatSummary),
	}
	for _, m := range full.Members {
		d.NewMembers = append(d.NewMembers, MemberEntry{Member: m, Hash: digest.Member(m.Info)})
	}
	d.Messages, d.HasMoreMessages, err = tx.ListMessagesAfter(ctx, summary.Chat.ID, 0, e.opts.MaxMessagesPerChat, nowMs)
	if err != nil {
		return ChatDelta{}, err
	}
	return d, nil
}

func (e *Engine) knownChat(ctx context.Context, tx *storage.Tx, cs ChatState, nowMs int64) (ChatDelta, error) {
	full, err := tx.GetChatWithMembers(ctx, cs.ChatID)
	if err != nil {
		return ChatDelta{}, err
	}
	d := ChatDelta{ChatID: cs.ChatID}

	if h := digest.Chat(full.ChatSummary); cs.ChatHash == UnknownHash || cs.ChatHash != h {
		d.Chat = &full.ChatSummary
		d.ChatHash = h
	}

	d.Messages, d.HasMoreMessages, err = tx.ListMessagesAfter(ctx, cs.ChatID, cs.LastSeenMessageID, e.opts.MaxMessagesPerChat, nowMs)
	if err != nil {
		return ChatDelta{}, err
	}

	current := make(map[int64]struct{}, len(full.Members))
	for _, m := range full.Members {
		current[m.UserID] = struct{}{}
		h := digest.Member(m.Info)
		declared, known := cs.MemberHashes[m.UserID]
		switch {
		case !known:
			d.NewMembers = append(d.NewMembers, MemberEntry{Member: m, Hash: h})
		case declared == UnknownHash || declared != h:
			d.ChangedMembers = append(d.ChangedMembers, MemberEntry{Member: m, Hash: h})
		}
	}
	for _, id := range sortedKeys(cs.MemberHashes) {
		if _, ok := current[id]; !ok {
			d.RemovedMembers = append(d.RemovedMembers, id)
		}
	}
	return d, nil
}

// WaitMessages returns messages of chatID after afterID, blocking up to
// timeout until one arrives. A timeout returns no messages and no error.
func (e *Engine) WaitMessages(ctx context.Context, userID, chatID, afterID int64, timeout time.Duration) ([]storage.MessageRow, bool, error) {
	if err := e.auth.Require(ctx, userID, chatID, roles.Read); err != nil {
		return nil, false, err
	}

	var messages []storage.MessageRow
	var hasMore bool
	ready := func(ctx context.Context) (bool, error) {
		var err error
		messages, hasMore, err = e.store.ListMessagesAfter(ctx, chatID, afterID, e.opts.MaxMessagesPerChat, e.now().UnixMilli())
		if err != nil {
			return false, err
		}
		return len(messages) > 0, nil
	}

	ok, err := e.registry.Wait(ctx, notify.ChatKey(chatID), e.clampWait(timeout), ready)
	if err != nil || !ok {
		return nil, false, err
	}
	return messages, hasMore, nil
}

// WaitChats returns the chats of userID with id > afterChatID, blocking up to
// timeout until the user joins one.
func (e *Engine) WaitChats(ctx context.Context, userID, afterChatID int64, timeout time.Duration) ([]storage.ChatSummary, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user", storage.ErrInvalidReference)
	}

	var chats []storage.ChatSummary
	ready := func(ctx context.Context) (bool, error) {
		all, err := e.store.ListChatsForUser(ctx, userID)
		if err != nil {
			return false, err
		}
		chats = chats[:0]
		for _, c := range all {
			if c.Chat.ID > afterChatID {
				chats = append(chats, c)
			}
		}
		return len(chats) > 0, nil
	}

	ok, err := e.registry.Wait(ctx, notify.UserKey(userID), e.clampWait(timeout), ready)
	if err != nil || !ok {
		return nil, err
	}
	return chats, nil
}

func (e *Engine) clampWait(timeout time.Duration) time.Duration {
	if timeout <= 0 || timeout > e.opts.MaxWait {
		return e.opts.MaxWait
	}
	return timeout
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[int64]string) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

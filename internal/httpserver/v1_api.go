package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/digest"
	"messenger-backend/internal/storage"
)

const defaultTokenTTL = 30 * 24 * time.Hour

type v1API struct {
	logger   *slog.Logger
	store    Store
	chats    Chats
	syncer   Syncer
	tokenTTL time.Duration
}

func newV1API(logger *slog.Logger, opts HandlerOptions) *v1API {
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &v1API{
		logger:   logger.With("component", "v1"),
		store:    opts.Store,
		chats:    opts.Chats,
		syncer:   opts.Syncer,
		tokenTTL: ttl,
	}
}

func (api *v1API) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/auth/register", api.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", api.handleLogin)
	mux.HandleFunc("POST /v1/auth/logout", api.handleLogout)
	mux.HandleFunc("POST /v1/auth/logout-all", api.handleLogoutAll)
	mux.HandleFunc("GET /v1/auth/me", api.handleMe)

	mux.HandleFunc("GET /v1/users/{userID}", api.handleGetUser)
	mux.HandleFunc("PUT /v1/users/me", api.handleUpdateMe)
	mux.HandleFunc("DELETE /v1/users/me", api.handleDeleteMe)

	mux.HandleFunc("GET /v1/chats", api.handleListChats)
	mux.HandleFunc("POST /v1/chats", api.handleCreateGroupChat)
	mux.HandleFunc("POST /v1/dialogs", api.handleCreateDialog)
	mux.HandleFunc("GET /v1/chats/wait", api.handleWaitChats)
	mux.HandleFunc("GET /v1/chats/{chatID}", api.handleGetChat)
	mux.HandleFunc("DELETE /v1/chats/{chatID}", api.handleDeleteChat)

	mux.HandleFunc("POST /v1/chats/{chatID}/members", api.handleAddMembers)
	mux.HandleFunc("POST /v1/chats/{chatID}/members/kick", api.handleKickMembers)
	mux.HandleFunc("DELETE /v1/chats/{chatID}/members/{userID}", api.handleKickMember)
	mux.HandleFunc("POST /v1/chats/{chatID}/leave", api.handleLeaveChat)
	mux.HandleFunc("PUT /v1/chats/{chatID}/creator", api.handleSetCreator)

	mux.HandleFunc("GET /v1/chats/{chatID}/info", api.handleGetChatInfo)
	mux.HandleFunc("PUT /v1/chats/{chatID}/info", api.handleSetChatInfo)
	mux.HandleFunc("DELETE /v1/chats/{chatID}/info", api.handleDeleteChatInfo)

	mux.HandleFunc("GET /v1/chats/{chatID}/members/{userID}/info", api.handleGetMemberInfo)
	mux.HandleFunc("PUT /v1/chats/{chatID}/members/{userID}/info", api.handleSetMemberInfo)
	mux.HandleFunc("DELETE /v1/chats/{chatID}/members/{userID}/info", api.handleDeleteMemberInfo)
	mux.HandleFunc("PUT /v1/chats/{chatID}/members/{userID}/role", api.handleSetRole)
	mux.HandleFunc("GET /v1/chats/{chatID}/permissions", api.handlePermissions)

	mux.HandleFunc("GET /v1/chats/{chatID}/messages", api.handleListMessages)
	mux.HandleFunc("POST /v1/chats/{chatID}/messages", api.handlePostMessage)
	mux.HandleFunc("GET /v1/chats/{chatID}/messages/wait", api.handleWaitMessages)
	mux.HandleFunc("GET /v1/chats/{chatID}/messages/{messageID}", api.handleGetMessage)

	mux.HandleFunc("POST /v1/sync", api.handleSync)
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeAPIError(w http.ResponseWriter, code ErrorCode, message string) {
	writeJSON(w, httpStatusForCode(code), apiErrorEnvelope{
		Error: apiError{
			Code:    string(code),
			Message: message,
		},
	})
}

// writeServiceError reports an error returned by the chats service, the
// store or the sync engine. Unknown errors are logged and hidden.
func (api *v1API) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if code, ok := codeForError(err); ok {
		writeAPIError(w, code, err.Error())
		return
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		api.logger.Info(op+" canceled", "requestId", getRequestIDFromContext(r.Context()))
		return
	}
	api.logger.Error(op+" failed", "error", err, "requestId", getRequestIDFromContext(r.Context()))
	writeAPIError(w, ErrCodeInternal, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected extra JSON input")
	}
	return nil
}

// requireUser returns the authenticated caller or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		writeAPIError(w, ErrCodeTokenInvalid, "authentication required")
		return 0, false
	}
	return userID, true
}

// pathID parses a positive id path value or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(w, ErrCodeValidation, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

type userItem struct {
	ID          int64   `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"displayName,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Avatar      []byte  `json:"avatar,omitempty"`
	Hash        string  `json:"hash"`
}

func newUserItem(u storage.UserRow) userItem {
	return userItem{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		Avatar:      u.Avatar,
		Hash:        digest.User(u),
	}
}

type chatInfoItem struct {
	Title  string `json:"title"`
	Avatar []byte `json:"avatar,omitempty"`
}

func newChatInfoItem(info *storage.ChatInfoRow) *chatInfoItem {
	if info == nil {
		return nil
	}
	return &chatInfoItem{Title: info.Title, Avatar: info.Avatar}
}

type memberItem struct {
	UserID      int64    `json:"userId"`
	Nickname    *string  `json:"nickname,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	JoinedAtMs  int64    `json:"joinedAtMs,omitempty"`
	Hash        string   `json:"hash"`
}

func newMemberItem(info storage.MemberInfoRow, joinedAtMs int64) memberItem {
	return memberItem{
		UserID:      info.UserID,
		Nickname:    info.Nickname,
		Role:        string(info.Role),
		Permissions: info.Role.Permissions().Names(),
		JoinedAtMs:  joinedAtMs,
		Hash:        digest.Member(info),
	}
}

func newMemberInfoItem(info chats.MemberInfo) memberItem {
	item := newMemberItem(info.MemberInfoRow, 0)
	item.Permissions = info.Permissions.Names()
	return item
}

type chatItem struct {
	ID          int64         `json:"id"`
	Type        string        `json:"type"`
	CreatorID   *int64        `json:"creatorId,omitempty"`
	Info        *chatInfoItem `json:"info,omitempty"`
	CreatedAtMs int64         `json:"createdAtMs"`
	Hash        string        `json:"hash"`
	Members     []memberItem  `json:"members,omitempty"`
}

func newChatItem(c storage.ChatSummary) chatItem {
	item := chatItem{
		ID:          c.Chat.ID,
		Type:        c.Chat.Type,
		Info:        newChatInfoItem(c.Info),
		CreatedAtMs: c.Chat.CreatedAtMs,
		Hash:        digest.Chat(c),
	}
	if !c.Chat.IsDialog() && c.Chat.CreatorID != 0 {
		creator := c.Chat.CreatorID
		item.CreatorID = &creator
	}
	return item
}

func newChatWithMembersItem(c storage.ChatWithMembers) chatItem {
	item := newChatItem(c.ChatSummary)
	item.Members = make([]memberItem, 0, len(c.Members))
	for _, m := range c.Members {
		item.Members = append(item.Members, newMemberItem(m.Info, m.JoinedAtMs))
	}
	return item
}

type attachmentItem struct {
	ID   int64  `json:"id,omitempty"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type messageItem struct {
	ID          int64            `json:"id"`
	ChatID      int64            `json:"chatId"`
	SenderID    *int64           `json:"senderId"`
	Text        *string          `json:"text,omitempty"`
	Attachments []attachmentItem `json:"attachments,omitempty"`
	CreatedAtMs int64            `json:"createdAtMs"`
	ExpiresAtMs *int64           `json:"expiresAtMs,omitempty"`
}

func newMessageItem(m storage.MessageRow) messageItem {
	item := messageItem{
		ID:          m.ID,
		ChatID:      m.ChatID,
		Text:        m.Text,
		CreatedAtMs: m.CreatedAtMs,
		ExpiresAtMs: m.ExpiresAtMs,
	}
	if m.SenderID != 0 {
		sender := m.SenderID
		item.SenderID = &sender
	}
	for _, a := range m.Attachments {
		item.Attachments = append(item.Attachments, attachmentItem{ID: a.ID, Type: a.Type, Data: a.Data})
	}
	return item
}

func newMessageItems(messages []storage.MessageRow) []messageItem {
	items := make([]messageItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, newMessageItem(m))
	}
	return items
}

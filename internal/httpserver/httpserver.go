package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/ratelimit"
	"messenger-backend/internal/reconcile"
	"messenger-backend/internal/roles"
	"messenger-backend/internal/storage"
)

// Store holds the account operations the API performs directly.
type Store interface {
	Ready(ctx context.Context) error

	CreateUser(ctx context.Context, username, passwordHash string, nowMs int64) (storage.UserRow, error)
	GetUserByID(ctx context.Context, userID int64) (storage.UserRow, error)
	GetUserByUsername(ctx context.Context, username string) (storage.UserRow, error)
	UpdateUserProfile(ctx context.Context, userID int64, profile storage.UserProfile, nowMs int64) (storage.UserRow, error)

	CreateAuthToken(ctx context.Context, userID int64, deviceInfo *string, nowMs, expiresAtMs int64) (storage.AuthTokenRow, error)
	ValidateToken(ctx context.Context, token string, nowMs int64) (storage.AuthTokenRow, error)
	DeleteToken(ctx context.Context, token string) error
	DeleteUserTokens(ctx context.Context, userID int64) error
}

// Chats is the rule-checked chat API.
type Chats interface {
	CreateGroupChat(ctx context.Context, members []int64, title string) (storage.ChatWithMembers, error)
	CreateOrGetDialog(ctx context.Context, a, b int64) (storage.ChatWithMembers, bool, error)
	GetChat(ctx context.Context, userID, chatID int64) (storage.ChatWithMembers, error)
	ListChats(ctx context.Context, userID int64) ([]storage.ChatSummary, error)
	DeleteChat(ctx context.Context, actorID, chatID int64) error

	AddMembers(ctx context.Context, actorID, chatID int64, userIDs []int64) ([]int64, error)
	KickMembers(ctx context.Context, actorID, chatID int64, userIDs []int64) error
	KickMember(ctx context.Context, actorID, chatID, userID int64) error
	LeaveChat(ctx context.Context, userID, chatID int64) error
	SetCreator(ctx context.Context, actorID, chatID, newCreatorID int64) error

	SetRole(ctx context.Context, actorID, chatID, userID int64, role roles.Role) (chats.MemberInfo, error)
	SetMemberInfo(ctx context.Context, actorID, chatID, userID int64, update chats.MemberInfoUpdate, updateRole bool) (chats.MemberInfo, error)
	DeleteMemberInfo(ctx context.Context, actorID, chatID, userID int64) error
	GetMemberInfo(ctx context.Context, actorID, chatID, userID int64) (chats.MemberInfo, error)

	SetChatInfo(ctx context.Context, actorID, chatID int64, title string, avatar []byte) (storage.ChatInfoRow, error)
	DeleteChatInfo(ctx context.Context, actorID, chatID int64) error
	GetChatInfo(ctx context.Context, actorID, chatID int64) (storage.ChatInfoRow, error)

	Permissions(ctx context.Context, userID, chatID int64) (roles.Permission, error)
	PostMessage(ctx context.Context, senderID, chatID int64, draft chats.MessageDraft) (storage.MessageRow, error)
	ListMessages(ctx context.Context, userID, chatID int64, limit int, beforeID int64) ([]storage.MessageRow, bool, error)
	GetMessage(ctx context.Context, userID, chatID, messageID int64) (storage.MessageRow, error)

	DeleteUser(ctx context.Context, userID int64) error
}

// Syncer answers delta-sync and long-poll requests.
type Syncer interface {
	Reconcile(ctx context.Context, userID int64, state reconcile.ClientState) (reconcile.Delta, error)
	WaitMessages(ctx context.Context, userID, chatID, afterID int64, timeout time.Duration) ([]storage.MessageRow, bool, error)
	WaitChats(ctx context.Context, userID, afterChatID int64, timeout time.Duration) ([]storage.ChatSummary, error)
}

type HandlerOptions struct {
	Store   Store
	Chats   Chats
	Syncer  Syncer
	WS      http.Handler
	Limiter ratelimit.Limiter

	TokenTTL time.Duration
}

func NewHandler(logger *slog.Logger, opts HandlerOptions) http.Handler {
	mux := http.NewServeMux()
	api := newV1API(logger, opts)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.Store.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if opts.WS != nil {
		mux.Handle("GET /v1/ws", opts.WS)
	}
	api.routes(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, ErrCodeNotFound, "not found")
	})

	return chain(
		mux,
		requestIDMiddleware(),
		recoverMiddleware(logger),
		requestLogMiddleware(logger),
		corsMiddleware(),
		authMiddleware(logger, opts.Store),
		rateLimitMiddleware(opts.Limiter),
	)
}

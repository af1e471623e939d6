package storage

import (
	"errors"
	"fmt"

	"messenger-backend/internal/roles"
)

const (
	ChatTypeDialog = "dialog"
	ChatTypeGroup  = "group"
)

// Error kinds. Callers match them with errors.Is; the wrapped text names the
// entity or rule that failed.
var (
	ErrInvalidReference = errors.New("invalid reference")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrCreatorProtected = errors.New("creator protected")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConflict         = errors.New("conflict")

	ErrUsernameExists = fmt.Errorf("%w: username", ErrAlreadyExists)
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenExpired   = errors.New("token expired")
)

type UserRow struct {
	ID           int64
	Username     string
	PasswordHash string
	DisplayName  *string
	Bio          *string
	Avatar       []byte
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

// UserProfile is the mutable part of a user. Nil fields are stored as NULL.
type UserProfile struct {
	DisplayName *string
	Bio         *string
	Avatar      []byte
}

type AuthTokenRow struct {
	Token       string
	UserID      int64
	DeviceInfo  *string
	CreatedAtMs int64
	ExpiresAtMs int64
}

type ChatRow struct {
	ID          int64
	Type        string
	CreatorID   int64
	CreatedAtMs int64
}

func (c ChatRow) IsDialog() bool { return c.Type == ChatTypeDialog }

type ChatInfoRow struct {
	ChatID      int64
	Title       string
	Avatar      []byte
	UpdatedAtMs int64
}

// MemberInfoRow is the effective info of a chat member. Stored is false when
// no record exists and Role carries the default.
type MemberInfoRow struct {
	ChatID   int64
	UserID   int64
	Nickname *string
	Role     roles.Role
	Stored   bool
}

type MemberRow struct {
	UserID     int64
	JoinedAtMs int64
	Info       MemberInfoRow
}

// ChatSummary is a chat with its optional info.
type ChatSummary struct {
	Chat ChatRow
	Info *ChatInfoRow
}

// ChatWithMembers is a chat with info and every member, ordered by user id.
type ChatWithMembers struct {
	ChatSummary
	Members []MemberRow
}

func (c ChatWithMembers) MemberIDs() []int64 {
	ids := make([]int64, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

type AttachmentRow struct {
	ID        int64
	MessageID int64
	Type      string
	Data      []byte
}

type MessageRow struct {
	ID          int64
	ChatID      int64
	SenderID    int64
	Text        *string
	CreatedAtMs int64
	ExpiresAtMs *int64
	Attachments []AttachmentRow
}

// NewAttachment is an attachment that has not been stored yet.
type NewAttachment struct {
	Type string
	Data []byte
}

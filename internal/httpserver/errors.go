package httpserver

import (
	"errors"
	"net/http"

	"messenger-backend/internal/storage"
)

type ErrorCode string

const (
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeUsernameExists     ErrorCode = "USERNAME_EXISTS"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeTokenInvalid       ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeInvalidReference   ErrorCode = "INVALID_REFERENCE"
	ErrCodeTypeMismatch       ErrorCode = "TYPE_MISMATCH"
	ErrCodeCreatorProtected   ErrorCode = "CREATOR_PROTECTED"
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed   ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

var errorHTTPStatus = map[ErrorCode]int{
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeUsernameExists:     http.StatusConflict,
	ErrCodeInvalidCredentials: http.StatusUnauthorized,
	ErrCodeTokenInvalid:       http.StatusUnauthorized,
	ErrCodeTokenExpired:       http.StatusUnauthorized,
	ErrCodeInvalidReference:   http.StatusNotFound,
	ErrCodeTypeMismatch:       http.StatusConflict,
	ErrCodeCreatorProtected:   http.StatusConflict,
	ErrCodePermissionDenied:   http.StatusForbidden,
	ErrCodeAlreadyExists:      http.StatusConflict,
	ErrCodeConflict:           http.StatusUnprocessableEntity,
	ErrCodeRateLimited:        http.StatusTooManyRequests,
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	ErrCodeNotFound:           http.StatusNotFound,
}

func httpStatusForCode(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// errorKinds maps storage error kinds to API codes. Order matters:
// ErrUsernameExists wraps ErrAlreadyExists and must match first.
var errorKinds = []struct {
	err  error
	code ErrorCode
}{
	{storage.ErrUsernameExists, ErrCodeUsernameExists},
	{storage.ErrInvalidReference, ErrCodeInvalidReference},
	{storage.ErrTypeMismatch, ErrCodeTypeMismatch},
	{storage.ErrCreatorProtected, ErrCodeCreatorProtected},
	{storage.ErrPermissionDenied, ErrCodePermissionDenied},
	{storage.ErrAlreadyExists, ErrCodeAlreadyExists},
	{storage.ErrConflict, ErrCodeConflict},
	{storage.ErrTokenInvalid, ErrCodeTokenInvalid},
	{storage.ErrTokenExpired, ErrCodeTokenExpired},
}

// codeForError returns the API code for a service error and whether the error
// is one of the known kinds.
func codeForError(err error) (ErrorCode, bool) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code, true
		}
	}
	return ErrCodeInternal, false
}

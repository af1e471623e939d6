package httpserver

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"messenger-backend/internal/storage"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{4,20}$`)

type registerRequest struct {
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	DisplayName *string `json:"displayName,omitempty"`
}

type loginRequest struct {
	Username   string  `json:"username"`
	Password   string  `json:"password"`
	DeviceInfo *string `json:"deviceInfo,omitempty"`
}

type authResponse struct {
	User      userItem `json:"user"`
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expiresAt"`
}

type meResponse struct {
	User userItem `json:"user"`
}

type logoutResponse struct {
	Success bool `json:"success"`
}

func (api *v1API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if !usernameRegex.MatchString(req.Username) {
		writeAPIError(w, ErrCodeValidation, "username must be 4-20 characters, alphanumeric and underscore only")
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeAPIError(w, ErrCodeValidation, err.Error())
		return
	}
	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if len(name) == 0 || len(name) > 64 {
			writeAPIError(w, ErrCodeValidation, "displayName must be 1-64 characters")
			return
		}
		req.DisplayName = &name
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		api.logger.Error("bcrypt hash failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	nowMs := time.Now().UnixMilli()
	user, err := api.store.CreateUser(r.Context(), req.Username, string(passwordHash), nowMs)
	if err != nil {
		api.writeServiceError(w, r, "create user", err)
		return
	}
	if req.DisplayName != nil {
		user, err = api.store.UpdateUserProfile(r.Context(), user.ID, storage.UserProfile{DisplayName: req.DisplayName}, nowMs)
		if err != nil {
			api.writeServiceError(w, r, "set display name", err)
			return
		}
	}

	api.issueToken(w, r, user, nil, nowMs)
}

func (api *v1API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, ErrCodeValidation, "username and password are required")
		return
	}

	user, err := api.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidReference) {
			writeAPIError(w, ErrCodeInvalidCredentials, "invalid username or password")
			return
		}
		api.writeServiceError(w, r, "get user", err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeAPIError(w, ErrCodeInvalidCredentials, "invalid username or password")
		return
	}

	api.issueToken(w, r, user, req.DeviceInfo, time.Now().UnixMilli())
}

func (api *v1API) issueToken(w http.ResponseWriter, r *http.Request, user storage.UserRow, deviceInfo *string, nowMs int64) {
	expiresAtMs := nowMs + api.tokenTTL.Milliseconds()
	tokenRow, err := api.store.CreateAuthToken(r.Context(), user.ID, deviceInfo, nowMs, expiresAtMs)
	if err != nil {
		api.writeServiceError(w, r, "create token", err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		User:      newUserItem(user),
		Token:     tokenRow.Token,
		ExpiresAt: tokenRow.ExpiresAtMs,
	})
}

func (api *v1API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "token required")
		return
	}

	_ = api.store.DeleteToken(r.Context(), token)
	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

// handleLogoutAll revokes every token of the caller, including the one used
// for this request.
func (api *v1API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := api.store.DeleteUserTokens(r.Context(), userID); err != nil {
		api.writeServiceError(w, r, "revoke tokens", err)
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

func (api *v1API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	user, err := api.store.GetUserByID(r.Context(), userID)
	if err != nil {
		api.writeServiceError(w, r, "get user", err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: newUserItem(user)})
}

func validatePassword(password string) error {
	if len(password) < 8 || len(password) > 64 {
		return errors.New("password must be 8-64 characters")
	}

	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return errors.New("password must contain uppercase, lowercase, and digit")
	}

	return nil
}

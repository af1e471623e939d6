package httpserver

import (
	"net/http"
	"strings"
	"time"

	"messenger-backend/internal/storage"
)

type getUserResponse struct {
	User userItem `json:"user"`
}

// updateMeRequest replaces the whole profile: omitted fields are cleared.
type updateMeRequest struct {
	DisplayName *string `json:"displayName"`
	Bio         *string `json:"bio"`
	Avatar      []byte  `json:"avatar"`
}

type updateMeResponse struct {
	User userItem `json:"user"`
}

func (api *v1API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	user, err := api.store.GetUserByID(r.Context(), userID)
	if err != nil {
		api.writeServiceError(w, r, "get user", err)
		return
	}

	writeJSON(w, http.StatusOK, getUserResponse{User: newUserItem(user)})
}

func (api *v1API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req updateMeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if len(name) > 64 {
			writeAPIError(w, ErrCodeValidation, "displayName must be at most 64 characters")
			return
		}
		req.DisplayName = &name
	}
	if req.Bio != nil && len(*req.Bio) > 512 {
		writeAPIError(w, ErrCodeValidation, "bio must be at most 512 characters")
		return
	}

	user, err := api.store.UpdateUserProfile(r.Context(), userID, storage.UserProfile{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		Avatar:      req.Avatar,
	}, time.Now().UnixMilli())
	if err != nil {
		api.writeServiceError(w, r, "update profile", err)
		return
	}

	writeJSON(w, http.StatusOK, updateMeResponse{User: newUserItem(user)})
}

func (api *v1API) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := api.chats.DeleteUser(r.Context(), userID); err != nil {
		api.writeServiceError(w, r, "delete user", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

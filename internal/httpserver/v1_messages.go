package httpserver

import (
	"net/http"
	"time"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type listMessagesResponse struct {
	Messages []messageItem `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

type postMessageRequest struct {
	Text        *string          `json:"text,omitempty"`
	Attachments []attachmentItem `json:"attachments,omitempty"`
	ExpiresAtMs *int64           `json:"expiresAtMs,omitempty"`
}

type postMessageResponse struct {
	Message messageItem `json:"message"`
}

type waitChatsResponse struct {
	Chats    []chatItem `json:"chats"`
	TimedOut bool       `json:"timedOut"`
}

type waitMessagesResponse struct {
	Messages []messageItem `json:"messages"`
	HasMore  bool          `json:"hasMore"`
	TimedOut bool          `json:"timedOut"`
}

func (api *v1API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	beforeID, err := queryInt(r, "before", 0)
	if err != nil || beforeID < 0 {
		writeAPIError(w, ErrCodeValidation, "invalid before")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		writeAPIError(w, ErrCodeValidation, "limit must be 1-200")
		return
	}

	messages, hasMore, err := api.chats.ListMessages(r.Context(), userID, chatID, int(limit), beforeID)
	if err != nil {
		api.writeServiceError(w, r, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: newMessageItems(messages), HasMore: hasMore})
}

func (api *v1API) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	draft := chats.MessageDraft{Text: req.Text, ExpiresAtMs: req.ExpiresAtMs}
	for _, a := range req.Attachments {
		draft.Attachments = append(draft.Attachments, storage.NewAttachment{Type: a.Type, Data: a.Data})
	}

	msg, err := api.chats.PostMessage(r.Context(), userID, chatID, draft)
	if err != nil {
		api.writeServiceError(w, r, "post message", err)
		return
	}
	writeJSON(w, http.StatusCreated, postMessageResponse{Message: newMessageItem(msg)})
}

func (api *v1API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	msg, err := api.chats.GetMessage(r.Context(), userID, chatID, messageID)
	if err != nil {
		api.writeServiceError(w, r, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, postMessageResponse{Message: newMessageItem(msg)})
}

// handleWaitMessages blocks until a message after ?after= exists or the wait
// ends. A timed out wait is a 200 with no messages.
func (api *v1API) handleWaitMessages(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	afterID, err := queryInt(r, "after", 0)
	if err != nil || afterID < 0 {
		writeAPIError(w, ErrCodeValidation, "invalid after")
		return
	}
	timeout, ok := waitTimeout(w, r)
	if !ok {
		return
	}

	messages, hasMore, err := api.syncer.WaitMessages(r.Context(), userID, chatID, afterID, timeout)
	if err != nil {
		api.writeServiceError(w, r, "wait messages", err)
		return
	}
	writeJSON(w, http.StatusOK, waitMessagesResponse{
		Messages: newMessageItems(messages),
		HasMore:  hasMore,
		TimedOut: len(messages) == 0,
	})
}

func (api *v1API) handleWaitChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	afterID, err := queryInt(r, "after", 0)
	if err != nil || afterID < 0 {
		writeAPIError(w, ErrCodeValidation, "invalid after")
		return
	}
	timeout, ok := waitTimeout(w, r)
	if !ok {
		return
	}

	summaries, err := api.syncer.WaitChats(r.Context(), userID, afterID, timeout)
	if err != nil {
		api.writeServiceError(w, r, "wait chats", err)
		return
	}
	items := make([]chatItem, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, newChatItem(s))
	}
	writeJSON(w, http.StatusOK, waitChatsResponse{Chats: items, TimedOut: len(items) == 0})
}

// waitTimeout reads ?timeoutMs=. Zero or absent leaves the choice to the
// engine, which clamps every wait to its maximum.
func waitTimeout(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	ms, err := queryInt(r, "timeoutMs", 0)
	if err != nil || ms < 0 {
		writeAPIError(w, ErrCodeValidation, "invalid timeoutMs")
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

package httpserver

import (
	"net/http"

	"messenger-backend/internal/reconcile"
)

// syncRequest is the client snapshot. Hash maps are keyed by id; an empty
// hash marks an entity the client knows by id only.
type syncRequest struct {
	LastSeenUserID int64            `json:"lastSeenUserId"`
	LastSeenChatID int64            `json:"lastSeenChatId"`
	Users          map[int64]string `json:"users"`
	Chats          []syncChatState  `json:"chats"`
}

type syncChatState struct {
	ChatID            int64            `json:"chatId"`
	LastSeenMessageID int64            `json:"lastSeenMessageId"`
	ChatHash          string           `json:"chatHash"`
	Members           map[int64]string `json:"members"`
}

type syncResponse struct {
	NewUsers     []userItem      `json:"newUsers"`
	ChangedUsers []userItem      `json:"changedUsers"`
	DeletedUsers []int64         `json:"deletedUsers"`
	HasMoreUsers bool            `json:"hasMoreUsers"`
	Chats        []chatDeltaItem `json:"chats"`
	LeftChats    []int64         `json:"leftChats"`
	LastUserID   int64           `json:"lastUserId"`
	LastChatID   int64           `json:"lastChatId"`
}

type chatDeltaItem struct {
	ChatID          int64         `json:"chatId"`
	New             bool          `json:"new"`
	Chat            *chatItem     `json:"chat,omitempty"`
	Messages        []messageItem `json:"messages"`
	HasMoreMessages bool          `json:"hasMoreMessages"`
	NewMembers      []memberItem  `json:"newMembers"`
	ChangedMembers  []memberItem  `json:"changedMembers"`
	RemovedMembers  []int64       `json:"removedMembers"`
}

func (req syncRequest) clientState() reconcile.ClientState {
	state := reconcile.ClientState{
		LastSeenUserID: req.LastSeenUserID,
		LastSeenChatID: req.LastSeenChatID,
		UserHashes:     req.Users,
	}
	for _, c := range req.Chats {
		state.Chats = append(state.Chats, reconcile.ChatState{
			ChatID:            c.ChatID,
			LastSeenMessageID: c.LastSeenMessageID,
			ChatHash:          c.ChatHash,
			MemberHashes:      c.Members,
		})
	}
	return state
}

func newSyncResponse(d reconcile.Delta) syncResponse {
	resp := syncResponse{
		NewUsers:     make([]userItem, 0, len(d.NewUsers)),
		ChangedUsers: make([]userItem, 0, len(d.ChangedUsers)),
		DeletedUsers: nonNilIDs(d.DeletedUsers),
		HasMoreUsers: d.HasMoreUsers,
		Chats:        make([]chatDeltaItem, 0, len(d.Chats)),
		LeftChats:    nonNilIDs(d.LeftChats),
		LastUserID:   d.LastUserID,
		LastChatID:   d.LastChatID,
	}
	for _, u := range d.NewUsers {
		resp.NewUsers = append(resp.NewUsers, newUserItem(u.User))
	}
	for _, u := range d.ChangedUsers {
		resp.ChangedUsers = append(resp.ChangedUsers, newUserItem(u.User))
	}
	for _, c := range d.Chats {
		item := chatDeltaItem{
			ChatID:          c.ChatID,
			New:             c.New,
			Messages:        newMessageItems(c.Messages),
			HasMoreMessages: c.HasMoreMessages,
			NewMembers:      memberItems(c.NewMembers),
			ChangedMembers:  memberItems(c.ChangedMembers),
			RemovedMembers:  nonNilIDs(c.RemovedMembers),
		}
		if c.Chat != nil {
			chat := newChatItem(*c.Chat)
			item.Chat = &chat
		}
		resp.Chats = append(resp.Chats, item)
	}
	return resp
}

func memberItems(entries []reconcile.MemberEntry) []memberItem {
	items := make([]memberItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, newMemberItem(e.Member.Info, e.Member.JoinedAtMs))
	}
	return items
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func (api *v1API) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.LastSeenUserID < 0 || req.LastSeenChatID < 0 {
		writeAPIError(w, ErrCodeValidation, "watermarks must not be negative")
		return
	}

	delta, err := api.syncer.Reconcile(r.Context(), userID, req.clientState())
	if err != nil {
		api.writeServiceError(w, r, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, newSyncResponse(delta))
}

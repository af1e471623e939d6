package httpserver

import (
	"net/http"
	"strings"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/roles"
)

type listChatsResponse struct {
	Chats []chatItem `json:"chats"`
}

type chatResponse struct {
	Chat chatItem `json:"chat"`
}

type createGroupChatRequest struct {
	// Members lists the other members; the caller becomes the creator.
	Members []int64 `json:"members"`
	Title   string  `json:"title"`
}

type createDialogRequest struct {
	PeerUserID int64 `json:"peerUserId"`
}

type createDialogResponse struct {
	Chat    chatItem `json:"chat"`
	Created bool     `json:"created"`
}

type membersRequest struct {
	UserIDs []int64 `json:"userIds"`
}

type addMembersResponse struct {
	Added []int64 `json:"added"`
}

type setCreatorRequest struct {
	UserID int64 `json:"userId"`
}

type chatInfoRequest struct {
	Title  string `json:"title"`
	Avatar []byte `json:"avatar,omitempty"`
}

type chatInfoResponse struct {
	Info chatInfoItem `json:"info"`
}

type memberInfoRequest struct {
	Nickname *string `json:"nickname"`
	Role     *string `json:"role,omitempty"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type memberInfoResponse struct {
	Member memberItem `json:"member"`
}

type permissionsResponse struct {
	ChatID      int64    `json:"chatId"`
	Permissions []string `json:"permissions"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (api *v1API) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	summaries, err := api.chats.ListChats(r.Context(), userID)
	if err != nil {
		api.writeServiceError(w, r, "list chats", err)
		return
	}

	items := make([]chatItem, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, newChatItem(s))
	}
	writeJSON(w, http.StatusOK, listChatsResponse{Chats: items})
}

func (api *v1API) handleCreateGroupChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createGroupChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}
	members := append([]int64{userID}, req.Members...)
	chat, err := api.chats.CreateGroupChat(r.Context(), members, strings.TrimSpace(req.Title))
	if err != nil {
		api.writeServiceError(w, r, "create group chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, chatResponse{Chat: newChatWithMembersItem(chat)})
}

func (api *v1API) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createDialogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}
	if req.PeerUserID <= 0 {
		writeAPIError(w, ErrCodeValidation, "peerUserId is required")
		return
	}

	dialog, created, err := api.chats.CreateOrGetDialog(r.Context(), userID, req.PeerUserID)
	if err != nil {
		api.writeServiceError(w, r, "create dialog", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createDialogResponse{Chat: newChatWithMembersItem(dialog), Created: created})
}

func (api *v1API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	chat, err := api.chats.GetChat(r.Context(), userID, chatID)
	if err != nil {
		api.writeServiceError(w, r, "get chat", err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Chat: newChatWithMembersItem(chat)})
}

func (api *v1API) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	if err := api.chats.DeleteChat(r.Context(), userID, chatID); err != nil {
		api.writeServiceError(w, r, "delete chat", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	var req membersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	added, err := api.chats.AddMembers(r.Context(), userID, chatID, req.UserIDs)
	if err != nil {
		api.writeServiceError(w, r, "add members", err)
		return
	}
	if added == nil {
		added = []int64{}
	}
	writeJSON(w, http.StatusOK, addMembersResponse{Added: added})
}

func (api *v1API) handleKickMembers(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	var req membersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	if err := api.chats.KickMembers(r.Context(), userID, chatID, req.UserIDs); err != nil {
		api.writeServiceError(w, r, "kick members", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleKickMember(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if err := api.chats.KickMember(r.Context(), userID, chatID, targetID); err != nil {
		api.writeServiceError(w, r, "kick member", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleLeaveChat(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	if err := api.chats.LeaveChat(r.Context(), userID, chatID); err != nil {
		api.writeServiceError(w, r, "leave chat", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleSetCreator(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	var req setCreatorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	if err := api.chats.SetCreator(r.Context(), userID, chatID, req.UserID); err != nil {
		api.writeServiceError(w, r, "set creator", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleGetChatInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	info, err := api.chats.GetChatInfo(r.Context(), userID, chatID)
	if err != nil {
		api.writeServiceError(w, r, "get chat info", err)
		return
	}
	writeJSON(w, http.StatusOK, chatInfoResponse{Info: *newChatInfoItem(&info)})
}

func (api *v1API) handleSetChatInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	var req chatInfoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	info, err := api.chats.SetChatInfo(r.Context(), userID, chatID, req.Title, req.Avatar)
	if err != nil {
		api.writeServiceError(w, r, "set chat info", err)
		return
	}
	writeJSON(w, http.StatusOK, chatInfoResponse{Info: *newChatInfoItem(&info)})
}

func (api *v1API) handleDeleteChatInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	if err := api.chats.DeleteChatInfo(r.Context(), userID, chatID); err != nil {
		api.writeServiceError(w, r, "delete chat info", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleGetMemberInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	info, err := api.chats.GetMemberInfo(r.Context(), userID, chatID, targetID)
	if err != nil {
		api.writeServiceError(w, r, "get member info", err)
		return
	}
	writeJSON(w, http.StatusOK, memberInfoResponse{Member: newMemberInfoItem(info)})
}

// handleSetMemberInfo applies the role only when the body names one.
func (api *v1API) handleSetMemberInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	var req memberInfoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	update := chats.MemberInfoUpdate{Nickname: req.Nickname}
	if req.Role != nil {
		role, err := roles.Parse(*req.Role)
		if err != nil {
			writeAPIError(w, ErrCodeValidation, err.Error())
			return
		}
		update.Role = &role
	}

	info, err := api.chats.SetMemberInfo(r.Context(), userID, chatID, targetID, update, req.Role != nil)
	if err != nil {
		api.writeServiceError(w, r, "set member info", err)
		return
	}
	writeJSON(w, http.StatusOK, memberInfoResponse{Member: newMemberInfoItem(info)})
}

func (api *v1API) handleDeleteMemberInfo(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if err := api.chats.DeleteMemberInfo(r.Context(), userID, chatID, targetID); err != nil {
		api.writeServiceError(w, r, "delete member info", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (api *v1API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}
	targetID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	role, err := roles.Parse(req.Role)
	if err != nil {
		writeAPIError(w, ErrCodeValidation, err.Error())
		return
	}

	info, err := api.chats.SetRole(r.Context(), userID, chatID, targetID, role)
	if err != nil {
		api.writeServiceError(w, r, "set role", err)
		return
	}
	writeJSON(w, http.StatusOK, memberInfoResponse{Member: newMemberInfoItem(info)})
}

func (api *v1API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := userAndChat(w, r)
	if !ok {
		return
	}

	perms, err := api.chats.Permissions(r.Context(), userID, chatID)
	if err != nil {
		api.writeServiceError(w, r, "permissions", err)
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{ChatID: chatID, Permissions: perms.Names()})
}

func userAndChat(w http.ResponseWriter, r *http.Request) (userID, chatID int64, ok bool) {
	if userID, ok = requireUser(w, r); !ok {
		return 0, 0, false
	}
	if chatID, ok = pathID(w, r, "chatID"); !ok {
		return 0, 0, false
	}
	return userID, chatID, true
}

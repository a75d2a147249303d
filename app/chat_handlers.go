package huddle

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/putto11262002/huddle/core"
	"github.com/putto11262002/huddle/pkg/router"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
)

type ChatHandler struct {
	messages core.MessageStore
	groups   core.GroupStore
	presence *core.PresenceRegistry
}

func NewChatHandler(messages core.MessageStore, groups core.GroupStore, presence *core.PresenceRegistry) *ChatHandler {
	return &ChatHandler{messages: messages, groups: groups, presence: presence}
}

type CreateResponse struct {
	ID int64 `json:"id"`
}

type CreateCommunityPayload struct {
	Name string `json:"name" validate:"required,max=64"`
}

type CreateGroupPayload struct {
	Name        string `json:"name" validate:"required,max=64"`
	CommunityID int64  `json:"community_id" validate:"gte=0"`
}

type AddGroupMemberPayload struct {
	UserID int64           `json:"user_id" validate:"required"`
	Role   core.MemberRole `json:"role" validate:"required,oneof=admin member"`
}

func writeCreated(w http.ResponseWriter, id int64) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(CreateResponse{ID: id})
}

func decodeAndValidate(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	if err := validate.Struct(v); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, router.NewJsonError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// requireGroupAdmin returns ErrNotMember or ErrUnauthorized unless the
// identity administers the group.
func (h *ChatHandler) requireGroupAdmin(r *http.Request, groupID, userID int64) error {
	inGroup, role, err := h.groups.IsGroupMember(r.Context(), groupID, userID)
	if err != nil {
		return err
	}
	if !inGroup {
		return core.ErrNotMember
	}
	if !(role == core.Admin || role == core.Owner) {
		return core.ErrUnauthorized
	}
	return nil
}

func (h *ChatHandler) CreateCommunityHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload CreateCommunityPayload
	if err := decodeAndValidate(r, &payload); err != nil {
		return err
	}

	id, err := h.groups.CreateCommunity(r.Context(), payload.Name, session.UserID)
	if err != nil {
		return err
	}
	return writeCreated(w, id)
}

func (h *ChatHandler) CreateGroupHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload CreateGroupPayload
	if err := decodeAndValidate(r, &payload); err != nil {
		return err
	}

	id, err := h.groups.CreateGroup(r.Context(), payload.Name, payload.CommunityID, session.UserID)
	if err != nil {
		return err
	}
	// membership changes take effect on live connections without reconnecting
	h.presence.JoinRoom(session.UserID, core.GroupRoomKey(id))
	return writeCreated(w, id)
}

func (h *ChatHandler) AddGroupMemberHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	groupID, err := pathID(r, "groupID")
	if err != nil {
		return err
	}
	if err := h.requireGroupAdmin(r, groupID, session.UserID); err != nil {
		return err
	}

	var payload AddGroupMemberPayload
	if err := decodeAndValidate(r, &payload); err != nil {
		return err
	}

	if err := h.groups.AddGroupMember(r.Context(), groupID, payload.UserID, payload.Role); err != nil {
		return err
	}
	h.presence.JoinRoom(payload.UserID, core.GroupRoomKey(groupID))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// RemoveGroupMemberHandler removes another identity from the group. Only
// owners and admins may remove members and the owner cannot be removed.
func (h *ChatHandler) RemoveGroupMemberHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	groupID, err := pathID(r, "groupID")
	if err != nil {
		return err
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		return err
	}
	if err := h.requireGroupAdmin(r, groupID, session.UserID); err != nil {
		return err
	}

	inGroup, role, err := h.groups.IsGroupMember(r.Context(), groupID, userID)
	if err != nil {
		return err
	}
	if !inGroup {
		return core.ErrNotMember
	}
	if role == core.Owner && userID != session.UserID {
		return core.ErrUnauthorized
	}

	return h.removeMember(w, r, groupID, userID)
}

// LeaveGroupHandler removes the requesting identity from the group.
func (h *ChatHandler) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	groupID, err := pathID(r, "groupID")
	if err != nil {
		return err
	}
	return h.removeMember(w, r, groupID, session.UserID)
}

func (h *ChatHandler) removeMember(w http.ResponseWriter, r *http.Request, groupID, userID int64) error {
	if err := h.groups.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		return err
	}
	h.presence.LeaveRoom(userID, core.GroupRoomKey(groupID))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// JoinGroupHandler adds the requesting identity to a group of a community
// it belongs to.
func (h *ChatHandler) JoinGroupHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	groupID, err := pathID(r, "groupID")
	if err != nil {
		return err
	}
	if err := h.groups.JoinGroup(r.Context(), groupID, session.UserID); err != nil {
		return err
	}
	h.presence.JoinRoom(session.UserID, core.GroupRoomKey(groupID))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ChatHandler) JoinCommunityHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	communityID, err := pathID(r, "communityID")
	if err != nil {
		return err
	}
	if err := h.groups.JoinCommunity(r.Context(), communityID, session.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GetChatsHandler returns the conversation list of the requesting identity.
func (h *ChatHandler) GetChatsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	chats, err := h.groups.GetChats(r.Context(), session.UserID)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(chats)
}

// GetMessagesHandler returns the history of a conversation as seen by the
// requesting identity, including the delivery status it recorded for each message.
func (h *ChatHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	query := r.URL.Query()

	chatType := core.ChatType(query.Get("chat_type"))
	chatID, err := strconv.ParseInt(query.Get("chat_id"), 10, 64)
	if err != nil || (chatType != core.UserChat && chatType != core.GroupChat) {
		return router.NewJsonError(http.StatusBadRequest, "invalid chat")
	}

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	limit = min(limit, maxMessagesLimit)

	if chatType == core.GroupChat {
		ok, _, err := h.groups.IsGroupMember(r.Context(), chatID, session.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrNotMember
		}
	}

	messages, err := h.messages.GetMessages(r.Context(), session.UserID, chatType, chatID, limit)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []core.MessageWithStatus{}
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(messages)
}

// errorMappers lists how domain errors surface over HTTP.
var errorMappers = []struct {
	err  error
	code int
}{
	{core.ErrInvalidUser, http.StatusBadRequest},
	{core.ErrInvalidMessage, http.StatusBadRequest},
	{core.ErrInvalidRoom, http.StatusBadRequest},
	{core.ErrInvalidGroup, http.StatusBadRequest},
	{core.ErrNotMember, http.StatusForbidden},
	{core.ErrUnauthorized, http.StatusForbidden},
	{core.ErrUnauthenticated, http.StatusUnauthorized},
	{core.ErrCallNotFound, http.StatusNotFound},
}

func registerErrorMappers(r *router.Router) {
	for _, m := range errorMappers {
		apiErr := router.NewJsonError(m.code, m.err.Error())
		r.RegisterErrorMapper(m.err, func(error) router.Error {
			return apiErr
		})
	}
}

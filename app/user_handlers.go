package huddle

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/putto11262002/huddle/core"
	"github.com/putto11262002/huddle/pkg/router"
)

type UserHandler struct {
	store      core.UserStore
	identities *core.IdentityCache
	presence   *core.PresenceRegistry
}

func NewUserHandler(store core.UserStore, identities *core.IdentityCache, presence *core.PresenceRegistry) *UserHandler {
	return &UserHandler{store: store, identities: identities, presence: presence}
}

type RegisterUserResponse struct {
	ID int64 `json:"id"`
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var user core.User

	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	if err := user.Validate(); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}

	id, err := h.store.CreateUser(r.Context(), user)
	if err != nil {
		if errors.Is(err, core.ErrConflictedUser) {
			return router.NewJsonError(http.StatusConflict, "user already exists")
		}
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(RegisterUserResponse{ID: id})
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	user, err := h.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return fmt.Errorf("GetUserByID: %w", err)
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(user)
}

// UpdateMeHandler changes the profile of the requesting user. Events sent
// afterwards carry the new name and avatar.
func (h *UserHandler) UpdateMeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var profile core.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}
	defer r.Body.Close()

	if err := profile.Validate(); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid input")
	}

	if err := h.store.UpdateProfile(r.Context(), session.UserID, profile); err != nil {
		return err
	}
	h.identities.Invalidate(session.UserID)
	return h.MeHandler(w, r)
}

func (h *UserHandler) GetUserByUsernameHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.store.GetUserByUsername(r.Context(), r.PathValue("username"))
	if err != nil {
		return err
	}

	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(user)
}

// GetUserStatusHandler reports the live presence of a user.
func (h *UserHandler) GetUserStatusHandler(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid user id")
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(h.presence.Status(id))
}

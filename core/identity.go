package core

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultAvatar is used for identities without an avatar.
const DefaultAvatar = "/static/default-avatar.png"

// Identity is the snapshot of a user that travels with fan-out payloads.
type Identity struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// IdentityCache is a read-through cache in front of the user store holding
// only the fields needed to build outbound events.
type IdentityCache struct {
	users UserStore
	cache *lru.Cache[int64, Identity]
}

func NewIdentityCache(users UserStore, size int) (*IdentityCache, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[int64, Identity](size)
	if err != nil {
		return nil, fmt.Errorf("lru.New: %w", err)
	}
	return &IdentityCache{users: users, cache: cache}, nil
}

// Get returns the identity of the user. It returns ErrInvalidUser if the
// user does not exist.
func (c *IdentityCache) Get(ctx context.Context, id int64) (Identity, error) {
	if identity, ok := c.cache.Get(id); ok {
		return identity, nil
	}
	user, err := c.users.GetUserByID(ctx, id)
	if err != nil {
		return Identity{}, fmt.Errorf("GetUserByID: %w", err)
	}
	if user == nil {
		return Identity{}, ErrInvalidUser
	}
	identity := Identity{
		ID:       user.ID,
		Name:     user.Name,
		Username: user.Username,
		Avatar:   user.AvatarURL,
	}
	if identity.Avatar == "" {
		identity.Avatar = DefaultAvatar
	}
	c.cache.Add(id, identity)
	return identity, nil
}

// Invalidate drops the cached identity so the next Get reads through.
// It must be called whenever the user's profile changes.
func (c *IdentityCache) Invalidate(id int64) {
	c.cache.Remove(id)
}

package core

import (
	"context"
	"errors"
	"time"
)

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name" validate:"required,max=64"`
	Username  string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password  string `json:"password" validate:"required,min=4"`
	AvatarURL string `json:"avatar_url" validate:"omitempty,max=512"`
}

func (u *User) Validate() error {
	return validate.Struct(u)
}

// Profile holds the fields of a user that the user may change.
type Profile struct {
	Name      string `json:"name" validate:"required,max=64"`
	AvatarURL string `json:"avatar_url" validate:"omitempty,max=512"`
}

func (p *Profile) Validate() error {
	return validate.Struct(p)
}

type UserWithoutSecrets struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	AvatarURL string     `json:"avatar_url"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

var (
	ErrConflictedUser = errors.New("user already exists")
	// ErrInvalidUser is returned when a user is not found or is invalid.
	ErrInvalidUser = errors.New("invalid user")
)

type UserStore interface {
	// CreateUser creates the user and returns its generated id.
	// It returns ErrConflictedUser if the username is taken.
	CreateUser(ctx context.Context, user User) (int64, error)

	// GetUserByID returns nil if the user does not exist.
	GetUserByID(ctx context.Context, id int64) (*UserWithoutSecrets, error)

	// GetUserByUsername returns nil if the user does not exist.
	GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error)

	ComparePassword(ctx context.Context, username, password string) (bool, error)

	// SetOnlineStatus records the online flag of the user. When the user goes
	// offline, at is recorded as the last time the user was seen.
	SetOnlineStatus(ctx context.Context, id int64, online bool, at time.Time) error

	// UpdateProfile returns ErrInvalidUser if the user does not exist.
	UpdateProfile(ctx context.Context, id int64, profile Profile) error
}

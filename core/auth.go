package core

import (
	"context"
	"errors"
	"time"
)

// AuthSession is an authenticated identity established over HTTP.
type AuthSession struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

type AuthStore interface {
	NewSession(ctx context.Context, username, password string) (session *AuthSession, err error)

	DestroySession(ctx context.Context, session AuthSession) error

	// Session resolves a token into a session. It returns ErrUnauthenticated
	// if the token is invalid, expired or revoked.
	Session(ctx context.Context, token string) (session *AuthSession, err error)
}

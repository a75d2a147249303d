package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "huddle"

// sessionClaims carry the user id as the subject. Every token gets its own
// id so that revoking one device's token never revokes another's.
type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// tokenSigner issues and parses the HS256 session tokens of the auth store.
type tokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenSigner(secret []byte, ttl time.Duration) *tokenSigner {
	return &tokenSigner{secret: secret, ttl: ttl, now: time.Now}
}

func (s *tokenSigner) sign(userID int64, username string) (string, time.Time, error) {
	issuedAt := s.now()
	exp := issuedAt.Add(s.ttl)
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("SignedString: %w", err)
	}
	return signed, exp, nil
}

// parse verifies the signature, issuer and expiry of the token and returns
// the session it stands for.
func (s *tokenSigner) parse(token string) (*AuthSession, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("ParseWithClaims: %w", err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("subject %q: %w", claims.Subject, err)
	}
	return &AuthSession{
		UserID:    userID,
		Username:  claims.Username,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.UTC(),
	}, nil
}

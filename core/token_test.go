package core

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSigner(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	signer := newTokenSigner(secret, time.Hour)
	signer.now = func() time.Time { return now }

	t.Run("round trip", func(t *testing.T) {
		token, exp, err := signer.sign(7, "username")
		require.NoError(t, err)
		assert.Equal(t, now.Add(time.Hour), exp)

		session, err := signer.parse(token)
		require.NoError(t, err)
		assert.Equal(t, int64(7), session.UserID)
		assert.Equal(t, "username", session.Username)
		assert.Equal(t, token, session.Token)
		assert.True(t, exp.Equal(session.ExpiresAt))
	})

	t.Run("tokens are unique", func(t *testing.T) {
		first, _, err := signer.sign(7, "username")
		require.NoError(t, err)
		second, _, err := signer.sign(7, "username")
		require.NoError(t, err)
		assert.NotEqual(t, first, second, "same user, same second")
	})

	t.Run("expired token", func(t *testing.T) {
		token, _, err := signer.sign(7, "username")
		require.NoError(t, err)

		later := *signer
		later.now = func() time.Time { return now.Add(2 * time.Hour) }
		_, err = later.parse(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := signer.parse("not-a-token")
		assert.ErrorIs(t, err, jwt.ErrTokenMalformed)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := newTokenSigner([]byte("other"), time.Hour)
		token, _, err := other.sign(7, "username")
		require.NoError(t, err)

		_, err = signer.parse(token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
			Username: "username",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "7",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}).SignedString(secret)
		require.NoError(t, err)

		_, err = signer.parse(token)
		assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
	})

	t.Run("missing expiry", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "7", Issuer: tokenIssuer},
		}).SignedString(secret)
		require.NoError(t, err)

		_, err = signer.parse(token)
		assert.ErrorIs(t, err, jwt.ErrTokenRequiredClaimMissing)
	})
}

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens(t *testing.T) {
	tokens := NewTokens("test-secret-key", "test-issuer", time.Hour)

	t.Run("Issue and validate", func(t *testing.T) {
		token, expires, err := tokens.Issue("user123", "testuser", "admin")
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 2*time.Second)

		claims, err := tokens.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "user123", claims.UserID())
		assert.Equal(t, "testuser", claims.Username)
		assert.Equal(t, "admin", claims.Role)
		assert.Equal(t, "test-issuer", claims.Issuer)
	})

	t.Run("Different users get different tokens", func(t *testing.T) {
		a, _, err := tokens.Issue("user1", "alice", "user")
		require.NoError(t, err)
		b, _, err := tokens.Issue("user2", "bob", "user")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("Wrong secret", func(t *testing.T) {
		token, _, err := NewTokens("other-secret", "test-issuer", time.Hour).Issue("user123", "u", "user")
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Wrong issuer", func(t *testing.T) {
		token, _, err := NewTokens("test-secret-key", "someone-else", time.Hour).Issue("user123", "u", "user")
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired token", func(t *testing.T) {
		token, _, err := NewTokens("test-secret-key", "test-issuer", -time.Hour).Issue("user123", "u", "user")
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Token without expiry", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user123", Issuer: "test-issuer"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Token without subject", func(t *testing.T) {
		token, _, err := tokens.Issue("", "u", "user")
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Unsigned token is rejected", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user123",
			Issuer:    "test-issuer",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = tokens.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Empty secret", func(t *testing.T) {
		empty := NewTokens("", "test-issuer", time.Hour)
		_, _, err := empty.Issue("user123", "u", "user")
		assert.ErrorIs(t, err, ErrNoSecret)

		token, _, err := tokens.Issue("user123", "u", "user")
		require.NoError(t, err)
		_, err = empty.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		for _, s := range []string{"", "invalid-token-string", "header.payload.signature", strings.Repeat("a", 500)} {
			_, err := tokens.Validate(s)
			assert.ErrorIs(t, err, ErrInvalidToken, s)
		}
	})
}

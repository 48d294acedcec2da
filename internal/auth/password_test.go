package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	t.Run("Hash password successfully", func(t *testing.T) {
		hash, err := HashPassword("MySecurePassword123")
		require.NoError(t, err)
		assert.NotEqual(t, "MySecurePassword123", hash)

		cost, err := bcrypt.Cost([]byte(hash))
		require.NoError(t, err)
		assert.Equal(t, BcryptCost, cost)
	})

	t.Run("Hash is salted", func(t *testing.T) {
		h1, err := HashPassword("MySecurePassword123")
		require.NoError(t, err)
		h2, err := HashPassword("MySecurePassword123")
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
	})
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("MySecurePassword123")
	require.NoError(t, err)

	t.Run("Correct password", func(t *testing.T) {
		assert.NoError(t, VerifyPassword("MySecurePassword123", hash))
	})

	t.Run("Wrong password", func(t *testing.T) {
		assert.ErrorIs(t, VerifyPassword("mysecurepassword123", hash), ErrWrongPassword)
	})

	t.Run("Invalid hash is not a wrong password", func(t *testing.T) {
		err := VerifyPassword("password", "invalid-hash")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrWrongPassword)
	})
}

func TestValidatePasswordStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		errMsg   string
	}{
		{"Valid password", "MyPassword123", ""},
		{"Exactly 8 characters", "Passwor1", ""},
		{"Unicode letters count", "Пароль12", ""},
		{"Special characters allowed", "MyPassword123!@#", ""},
		{"Too short", "Pass1", "at least 8 characters"},
		{"Empty", "", "at least 8 characters"},
		{"Missing number", "MyPassword", "at least one number"},
		{"Missing letter", "12345678", "at least one letter"},
		{"Only special characters", "!@#$%^&*()", "at least one number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePasswordStrength(tt.password)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

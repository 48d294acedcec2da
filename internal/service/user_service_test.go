package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserService_CreateUser(t *testing.T) {
	ctx := context.Background()
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg)

	t.Run("Create user successfully", func(t *testing.T) {
		user, err := userService.CreateUser(ctx, &CreateUserRequest{
			Username: "testuser",
			Password: "password123",
			Role:     "user",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "testuser", user.Username)
		assert.Equal(t, "user", user.Role)
		assert.NotEmpty(t, user.PasswordHash)
		assert.NotZero(t, user.CreatedAt)
	})

	t.Run("Role defaults to user", func(t *testing.T) {
		user, err := userService.CreateUser(ctx, &CreateUserRequest{Username: "norole", Password: "password123"})
		require.NoError(t, err)
		assert.Equal(t, "user", user.Role)
	})

	t.Run("Create user with weak password fails", func(t *testing.T) {
		_, err := userService.CreateUser(ctx, &CreateUserRequest{
			Username: "testuser2",
			Password: "short",
			Role:     "user",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "weak password")
	})

	t.Run("Create duplicate username fails", func(t *testing.T) {
		req := &CreateUserRequest{
			Username: "duplicate",
			Password: "password123",
			Role:     "user",
		}

		_, err := userService.CreateUser(ctx, req)
		require.NoError(t, err)

		_, err = userService.CreateUser(ctx, req)
		assert.Error(t, err)
	})
}

func TestUserService_AuthenticateUser(t *testing.T) {
	ctx := context.Background()
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg)

	created, err := userService.CreateUser(ctx, &CreateUserRequest{
		Username: "authuser",
		Password: "password123",
		Role:     "admin",
	})
	require.NoError(t, err)

	t.Run("Authenticate with valid credentials", func(t *testing.T) {
		result, err := userService.AuthenticateUser(ctx, "authuser", "password123")
		require.NoError(t, err)
		assert.NotEmpty(t, result.Token)

		claims, err := userService.Tokens().Validate(result.Token)
		require.NoError(t, err)
		assert.Equal(t, created.ID, claims.UserID())
		assert.Equal(t, "admin", claims.Role)
	})

	t.Run("Authenticate with invalid password", func(t *testing.T) {
		_, err := userService.AuthenticateUser(ctx, "authuser", "wrongpassword1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("Authenticate with non-existent user", func(t *testing.T) {
		_, err := userService.AuthenticateUser(ctx, "nonexistent", "password123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("Get user", func(t *testing.T) {
		user, err := userService.GetUser(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "authuser", user.Username)

		_, err = userService.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUserService_PerformInitialSetup(t *testing.T) {
	ctx := context.Background()
	db, cfg := setupTestDB(t)
	userService := NewUserService(db, cfg)

	t.Run("Setup not complete initially", func(t *testing.T) {
		isComplete, err := userService.IsSetupComplete(ctx)
		require.NoError(t, err)
		assert.False(t, isComplete)
	})

	t.Run("Perform initial setup successfully", func(t *testing.T) {
		result, err := userService.PerformInitialSetup(ctx, &SetupRequest{
			Username: "admin",
			Password: "adminpass123",
		})
		require.NoError(t, err)
		assert.Equal(t, "admin", result.User.Username)
		assert.Equal(t, "admin", result.User.Role)
		assert.NotEmpty(t, result.Token)

		isComplete, err := userService.IsSetupComplete(ctx)
		require.NoError(t, err)
		assert.True(t, isComplete)
	})

	t.Run("Setup already complete fails", func(t *testing.T) {
		_, err := userService.PerformInitialSetup(ctx, &SetupRequest{
			Username: "admin2",
			Password: "adminpass123",
		})
		assert.ErrorIs(t, err, ErrSetupComplete)
	})
}

func TestUserService_LoadJWTSecret(t *testing.T) {
	ctx := context.Background()
	db, cfg := setupTestDB(t)
	cfg.JWT.Secret = ""
	userService := NewUserService(db, cfg)

	t.Run("Nothing stored yet", func(t *testing.T) {
		require.NoError(t, userService.LoadJWTSecret(ctx))
		assert.Empty(t, cfg.JWT.Secret)
	})

	t.Run("Setup generates and stores a secret", func(t *testing.T) {
		result, err := userService.PerformInitialSetup(ctx, &SetupRequest{
			Username: "admin",
			Password: "password123",
		})
		require.NoError(t, err)

		setupSecret := cfg.JWT.Secret
		require.Len(t, setupSecret, 64)

		cfg.JWT.Secret = ""
		require.NoError(t, userService.LoadJWTSecret(ctx))
		assert.Equal(t, setupSecret, cfg.JWT.Secret)

		_, err = userService.Tokens().Validate(result.Token)
		assert.NoError(t, err)
	})

	t.Run("Configured secret wins", func(t *testing.T) {
		cfg.JWT.Secret = "from-config"
		require.NoError(t, userService.LoadJWTSecret(ctx))
		assert.Equal(t, "from-config", cfg.JWT.Secret)
	})
}

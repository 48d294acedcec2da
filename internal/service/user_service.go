package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/427h5dvrch-lang/human-origin/internal/auth"
	"github.com/427h5dvrch-lang/human-origin/internal/config"
	"github.com/427h5dvrch-lang/human-origin/internal/database"
	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSetupComplete      = errors.New("setup already complete")
)

const jwtSecretKey = "jwt_secret"

// UserService handles user operations
type UserService struct {
	db  *database.Database
	cfg *config.Config
}

// NewUserService creates a new user service
func NewUserService(db *database.Database, cfg *config.Config) *UserService {
	return &UserService{
		db:  db,
		cfg: cfg,
	}
}

// Tokens returns the bearer token issuer for the current JWT settings.
func (s *UserService) Tokens() *auth.Tokens {
	return auth.NewTokens(s.cfg.JWT.Secret, s.cfg.JWT.Issuer, s.cfg.JWT.Expiration)
}

// CreateUserRequest represents a request to create a user
type CreateUserRequest struct {
	Username string
	Password string
	Role     string
}

// CreateUser creates a new user
func (s *UserService) CreateUser(ctx context.Context, req *CreateUserRequest) (*models.User, error) {
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		return nil, fmt.Errorf("weak password: %w", err)
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = "user"
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// LoginResult is a freshly issued bearer token.
type LoginResult struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// AuthenticateUser checks a username and password and issues a token
func (s *UserService) AuthenticateUser(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.db.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := auth.VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.issue(user)
}

func (s *UserService) issue(user *models.User) (*LoginResult, error) {
	token, expires, err := s.Tokens().Issue(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &LoginResult{User: user, Token: token, ExpiresAt: expires}, nil
}

// SetupRequest represents initial setup request
type SetupRequest struct {
	Username string
	Password string
}

// PerformInitialSetup creates the first admin and, when none is configured,
// a JWT secret stored in the database.
func (s *UserService) PerformInitialSetup(ctx context.Context, req *SetupRequest) (*LoginResult, error) {
	isComplete, err := s.db.IsSetupComplete(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check setup status: %w", err)
	}
	if isComplete {
		return nil, ErrSetupComplete
	}

	if s.cfg.JWT.Secret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		s.cfg.JWT.Secret = hex.EncodeToString(secret)
		if err := s.db.SetSystemConfig(ctx, jwtSecretKey, s.cfg.JWT.Secret); err != nil {
			return nil, fmt.Errorf("failed to store JWT secret: %w", err)
		}
	}

	user, err := s.CreateUser(ctx, &CreateUserRequest{
		Username: req.Username,
		Password: req.Password,
		Role:     "admin",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}

	return s.issue(user)
}

// IsSetupComplete checks if initial setup has been completed
func (s *UserService) IsSetupComplete(ctx context.Context) (bool, error) {
	return s.db.IsSetupComplete(ctx)
}

// GetUser returns a user by id.
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.db.GetUserByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return user, err
}

// LoadJWTSecret loads the JWT secret from the database when the
// configuration does not set one.
func (s *UserService) LoadJWTSecret(ctx context.Context) error {
	if s.cfg.JWT.Secret != "" {
		return nil
	}
	secret, err := s.db.GetSystemConfig(ctx, jwtSecretKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get JWT secret: %w", err)
	}

	s.cfg.JWT.Secret = secret
	return nil
}

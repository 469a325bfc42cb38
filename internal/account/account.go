// Package account implements signup, login and profile lookups.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/auth"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/repository"
)

const maxUsernameLength = 64

var (
	ErrInvalidCredentials = errors.New("incorrect username or password")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidInput       = errors.New("username and password are required")
	ErrNotFound           = errors.New("user not found")
)

// UserStore is the persistence the service needs.
type UserStore interface {
	Create(ctx context.Context, user *repository.User) error
	FindByUsername(ctx context.Context, username string) (*repository.User, error)
	List(ctx context.Context) ([]repository.User, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(username string) (string, error)
}

// Profile is the public view of a user.
type Profile struct {
	Username         string     `json:"username"`
	Emotion          *string    `json:"emotion"`
	EmotionTimestamp *time.Time `json:"emotion_timestamp"`
}

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Service implements signup, login and profile lookups.
type Service struct {
	users  UserStore
	tokens TokenIssuer
	logger *zap.Logger
}

// NewService returns an account service.
func NewService(users UserStore, tokens TokenIssuer, logger *zap.Logger) *Service {
	return &Service{users: users, tokens: tokens, logger: logger.Named("account")}
}

// Signup registers username with a bcrypt hash of password.
func (s *Service) Signup(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" || len(username) > maxUsernameLength {
		return ErrInvalidInput
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return logging.NewOperationError("account.signup", username, err)
	}

	err = s.users.Create(ctx, &repository.User{Username: username, PasswordHash: hash})
	switch {
	case errors.Is(err, repository.ErrUserExists):
		return ErrUsernameTaken
	case err != nil:
		return logging.NewOperationError("account.signup", username, err)
	}
	s.logger.Info("user registered", zap.String("username", username))
	return nil
}

// Login verifies credentials and issues a bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Token{}, ErrInvalidCredentials
	}

	user, err := s.users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return Token{}, ErrInvalidCredentials
	case err != nil:
		return Token{}, logging.NewOperationError("account.login", username, err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return Token{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.Username)
	if err != nil {
		return Token{}, logging.NewOperationError("account.issue_token", username, err)
	}
	return Token{AccessToken: token, TokenType: "bearer"}, nil
}

// Profile returns the public view of username, matched ignoring case.
func (s *Service) Profile(ctx context.Context, username string) (Profile, error) {
	user, err := s.users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return Profile{}, ErrNotFound
	case err != nil:
		return Profile{}, logging.NewOperationError("account.profile", username, err)
	}
	return Profile{Username: user.Username, Emotion: user.Emotion, EmotionTimestamp: user.EmotionTimestamp}, nil
}

// Usernames lists every registered username.
func (s *Service) Usernames(ctx context.Context) ([]string, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, logging.NewOperationError("account.list", "", err)
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names, nil
}

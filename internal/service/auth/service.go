package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/credentials"
	jwtpkg "github.com/splax/shipyard/pkg/jwt"
)

// ErrSessionRevoked indicates a token whose session was logged out or replaced.
var ErrSessionRevoked = errors.New("auth: session revoked")

// UserStore is the subset of the credential store used for sessions.
type UserStore interface {
	RegisterUser(username, password string) error
	Authenticate(username, password string) error
	SetSession(username, sessionID string) error
	Session(username string) (string, error)
}

// Service issues and validates CLI session tokens.
type Service struct {
	users  UserStore
	logger *slog.Logger
	secret string
	ttl    time.Duration
}

// Token is an issued session token.
type Token struct {
	AccessToken string        `json:"accessToken"`
	ExpiresIn   time.Duration `json:"expiresIn"`
}

// New constructs a Service.
func New(users UserStore, logger *slog.Logger, secret string, ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return Service{users: users, logger: logger, secret: secret, ttl: ttl}
}

// Register creates a user and signs them in.
func (s Service) Register(ctx context.Context, username, password string) (Token, error) {
	username = strings.TrimSpace(username)
	if err := s.users.RegisterUser(username, password); err != nil {
		return Token{}, err
	}
	s.logger.Info("user registered", "username", username)
	return s.issue(username)
}

// Login authenticates a user and starts a new session, replacing any previous one.
func (s Service) Login(ctx context.Context, username, password string) (Token, error) {
	username = strings.TrimSpace(username)
	if err := s.users.Authenticate(username, password); err != nil {
		return Token{}, err
	}
	s.logger.Info("user logged in", "username", username)
	return s.issue(username)
}

// Logout clears the user's session so outstanding tokens stop working.
func (s Service) Logout(ctx context.Context, username string) error {
	if err := s.users.SetSession(username, ""); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Info("user logged out", "username", username)
	return nil
}

// Authorize validates token and returns the username it belongs to.
func (s Service) Authorize(ctx context.Context, token string) (string, error) {
	session, err := jwtpkg.Verify(token, s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", credentials.ErrUnauthenticated, err)
	}
	current, err := s.users.Session(session.Username)
	if err != nil {
		return "", err
	}
	if current == "" || current != session.ID {
		return "", ErrSessionRevoked
	}
	return session.Username, nil
}

// Admin reports whether username is the platform administrator.
func (s Service) Admin(username string) bool {
	return username == credentials.AdminUser
}

func (s Service) issue(username string) (Token, error) {
	sessionID := uuid.NewString()
	if err := s.users.SetSession(username, sessionID); err != nil {
		return Token{}, fmt.Errorf("store session: %w", err)
	}
	access, err := jwtpkg.Issue(jwtpkg.Session{Username: username, ID: sessionID}, s.secret, s.ttl)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: access, ExpiresIn: s.ttl}, nil
}

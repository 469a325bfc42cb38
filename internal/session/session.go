// Package session keeps the viewer's identity in a durable key-value store so
// it survives restarts. The capture loop reads it, it never writes it.
package session

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/example/moodcam/internal/logging"
)

const (
	TokenKey    = "token"
	UsernameKey = "username"
)

var (
	// ErrKeyNotFound is returned by a Store for a missing key.
	ErrKeyNotFound = errors.New("session key not found")
	// ErrNoIdentity is returned when an operation requires a logged-in session.
	ErrNoIdentity = errors.New("no active session; log in first")
)

// Identity is the token/username pair acquired at login.
type Identity struct {
	Token    string
	Username string
}

// Valid reports whether the identity carries a token.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.Token) != ""
}

// Store is the durable key-value store holding the session keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Context owns the identity lifecycle: Save at login, Clear at logout.
type Context struct {
	store  Store
	logger *zap.Logger
}

// New returns a session context backed by store.
func New(store Store, logger *zap.Logger) *Context {
	return &Context{store: store, logger: logger.Named("session")}
}

// Identity returns the current identity. A missing or unreadable session is
// reported as absent, never as an error.
func (c *Context) Identity(ctx context.Context) (Identity, bool) {
	token, err := c.store.Get(ctx, TokenKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn("failed to read session token", zap.Error(err))
		}
		return Identity{}, false
	}
	username, err := c.store.Get(ctx, UsernameKey)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		c.logger.Warn("failed to read session username", zap.Error(err))
	}
	id := Identity{Token: token, Username: username}
	if !id.Valid() {
		return Identity{}, false
	}
	return id, true
}

// Save persists id, replacing any previous session.
func (c *Context) Save(ctx context.Context, id Identity) error {
	if !id.Valid() {
		return logging.NewOperationError("session.save", id.Username, ErrNoIdentity)
	}
	if err := c.store.Set(ctx, TokenKey, id.Token); err != nil {
		return logging.NewOperationError("session.save", id.Username, err)
	}
	if err := c.store.Set(ctx, UsernameKey, id.Username); err != nil {
		return logging.NewOperationError("session.save", id.Username, err)
	}
	c.logger.Info("session stored", zap.String("username", id.Username))
	return nil
}

// Clear removes the session.
func (c *Context) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, TokenKey, UsernameKey); err != nil {
		return logging.NewOperationError("session.clear", "", err)
	}
	c.logger.Info("session cleared")
	return nil
}

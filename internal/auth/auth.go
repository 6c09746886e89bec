// Package auth stores the remote access token in the cache database.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/cache"
)

// Namespace of the kv table holding credentials.
const Namespace = "auth"

const keyToken = "access_token"

// Verifier checks a token against the remote before it is stored.
type Verifier func(ctx context.Context, token string) error

// TokenStore keeps the token in memory and in the database.
type TokenStore struct {
	db     *cache.DB
	verify Verifier
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewTokenStore loads a previously stored token. verify may be nil.
func NewTokenStore(ctx context.Context, db *cache.DB, verify Verifier, logger *zap.Logger) (*TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TokenStore{db: db, verify: verify, logger: logger.Named("auth")}

	token, _, err := db.Get(ctx, Namespace, keyToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored token: %w", err)
	}
	s.token = token
	return s, nil
}

// IsAuthenticated reports whether a token is present.
func (s *TokenStore) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

// Token returns the current token, or "".
func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// StartLogin verifies and stores token.
func (s *TokenStore) StartLogin(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if s.verify != nil {
		if err := s.verify(ctx, token); err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}
	}
	if err := s.db.Put(ctx, Namespace, map[string]string{keyToken: token}); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.logger.Info("logged in")
	return nil
}

// Logout forgets the token.
func (s *TokenStore) Logout() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.DeleteNamespace(ctx, Namespace); err != nil {
		return fmt.Errorf("failed to delete stored token: %w", err)
	}
	return nil
}

// Static is an AuthProvider for backends that need no login, such as a
// local directory or an S3 bucket using the ambient AWS credentials.
type Static struct{}

// IsAuthenticated always reports true.
func (Static) IsAuthenticated() bool { return true }

// StartLogin is a no-op.
func (Static) StartLogin(ctx context.Context, token string) error { return nil }

// Logout is a no-op.
func (Static) Logout() error { return nil }

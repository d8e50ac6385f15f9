package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/openrp/openrp/oidc"
)

// TokenStore keeps the current Token of each session.  Implementations must
// return oidc.ErrNotFound for sessions without a token, and must be safe for
// concurrent use from independent request handlers.
type TokenStore interface {
	Get(ctx context.Context, sessionID string) (*oidc.Token, error)
	Put(ctx context.Context, sessionID string, t *oidc.Token) error
	Delete(ctx context.Context, sessionID string) error
}

// InmemTokenStore is a TokenStore for single-process deployments and tests.
// Tokens are held in their wire form so Get always returns an independent
// value.
type InmemTokenStore struct {
	mu     sync.RWMutex
	tokens map[string][]byte
}

// ensure that InmemTokenStore implements the TokenStore interface
var _ TokenStore = (*InmemTokenStore)(nil)

// NewInmemTokenStore creates an empty in-memory TokenStore.
func NewInmemTokenStore() *InmemTokenStore {
	return &InmemTokenStore{
		tokens: map[string][]byte{},
	}
}

// Get implements TokenStore.
func (s *InmemTokenStore) Get(_ context.Context, sessionID string) (*oidc.Token, error) {
	const op = "lifecycle.(InmemTokenStore).Get"
	s.mu.RLock()
	raw, ok := s.tokens[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: session %s: %w", op, sessionID, oidc.ErrNotFound)
	}
	t, err := oidc.UnmarshalWire(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// Put implements TokenStore.
func (s *InmemTokenStore) Put(_ context.Context, sessionID string, t *oidc.Token) error {
	const op = "lifecycle.(InmemTokenStore).Put"
	raw, err := t.MarshalWire()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	s.tokens[sessionID] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements TokenStore.
func (s *InmemTokenStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.tokens, sessionID)
	s.mu.Unlock()
	return nil
}

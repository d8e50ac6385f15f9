package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openrp/openrp/oidc"
)

// Inmem is a Store for single-process deployments and tests.
type Inmem struct {
	clock oidc.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

// ensure that Inmem implements the Store interface
var _ Store = (*Inmem)(nil)

// NewInmem creates an empty in-memory session store.
// Supported options: WithClock.
func NewInmem(opt ...oidc.Option) *Inmem {
	opts := getStoreOpts(opt...)
	return &Inmem{
		clock:    opts.withClock,
		sessions: map[string]*Session{},
	}
}

// Create implements Store.
func (s *Inmem) Create(_ context.Context, sess *Session) (*Session, error) {
	const op = "session.(Inmem).Create"
	if sess == nil {
		return nil, fmt.Errorf("%s: session is nil: %w", op, oidc.ErrNilParameter)
	}
	if sess.SID == "" {
		return nil, fmt.Errorf("%s: sid is empty: %w", op, oidc.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.SID == sess.SID {
			cp := *existing
			return &cp, nil
		}
	}

	cp := *sess
	if cp.ID == "" {
		id, err := oidc.NewId(oidc.WithPrefix("sess"))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.clock.Now()
	}
	s.sessions[cp.ID] = &cp
	out := cp
	return &out, nil
}

// BySID implements Store.
func (s *Inmem) BySID(_ context.Context, sid string) (*Session, error) {
	const op = "session.(Inmem).BySID"
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SID == sid {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%s: sid %s: %w", op, sid, oidc.ErrNotFound)
}

// ByAuthTokenID implements Store.
func (s *Inmem) ByAuthTokenID(_ context.Context, authTokenID string) (*Session, error) {
	const op = "session.(Inmem).ByAuthTokenID"
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*Session
	for _, sess := range s.sessions {
		if sess.AuthTokenID == authTokenID {
			found = append(found, sess)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%s: auth token %s: %w", op, authTokenID, oidc.ErrNotFound)
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, fmt.Errorf("%s: auth token %s matches %d sessions: %w", op, authTokenID, len(found), oidc.ErrMultipleFound)
	}
}

// ByLocalSessionID implements Store.
func (s *Inmem) ByLocalSessionID(_ context.Context, localSessionID string) (*Session, error) {
	const op = "session.(Inmem).ByLocalSessionID"
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.LocalSessionID == localSessionID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%s: local session %s: %w", op, localSessionID, oidc.ErrNotFound)
}

// SetUserID implements Store.
func (s *Inmem) SetUserID(_ context.Context, id, userID string) error {
	const op = "session.(Inmem).SetUserID"
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%s: session %s: %w", op, id, oidc.ErrNotFound)
	}
	sess.UserID = userID
	return nil
}

// MarkIdPSessionClosed implements Store.
func (s *Inmem) MarkIdPSessionClosed(_ context.Context, id string) error {
	const op = "session.(Inmem).MarkIdPSessionClosed"
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%s: session %s: %w", op, id, oidc.ErrNotFound)
	}
	sess.IdPSessionClosed = true
	return nil
}

// Delete implements Store.
func (s *Inmem) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteCreatedBefore implements Store.
func (s *Inmem) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, sess := range s.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

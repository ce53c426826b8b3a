package confirm

import (
	"context"
	"sync"
	"time"
)

// record is one stored token.
type record struct {
	actionHash string
	actorID    string
	tenantID   string
	status     Status
	issuedAt   time.Time
	expiresAt  time.Time
}

// MemoryStore is an in-process Store guarded by a mutex.  Each orchestrator
// instance constructs its own, so tests and per-tenant instances stay
// isolated.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*record
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*record),
		now:    time.Now,
	}
}

// WithClock overrides the store's clock; used by tests to force expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Issue creates a token bound to the given action.
func (s *MemoryStore) Issue(_ context.Context, binding Binding, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// A fresh challenge supersedes any pending token for the same action.
	for _, rec := range s.tokens {
		if rec.status == StatusIssued && matches(rec.actionHash, rec.actorID, rec.tenantID, binding) {
			rec.status = StatusRevoked
		}
	}
	s.tokens[token] = &record{
		actionHash: binding.ActionHash,
		actorID:    binding.ActorID,
		tenantID:   binding.TenantID,
		status:     StatusIssued,
		issuedAt:   now,
		expiresAt:  now.Add(ttl),
	}
	return token, nil
}

// Validate checks the token against the resubmitted action without mutating
// it (expiry is the one exception: an overdue token is marked expired).
func (s *MemoryStore) Validate(_ context.Context, token string, binding Binding) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		return Verdict{Reason: ReasonNotFound}, nil
	}
	if rec.status == StatusIssued && s.now().After(rec.expiresAt) {
		rec.status = StatusExpired
	}
	switch rec.status {
	case StatusExpired:
		return Verdict{Reason: ReasonExpired}, nil
	case StatusConsumed:
		return Verdict{Reason: ReasonConsumed}, nil
	case StatusRevoked:
		return Verdict{Reason: ReasonRevoked}, nil
	}
	if !matches(rec.actionHash, rec.actorID, rec.tenantID, binding) {
		return Verdict{Reason: ReasonMismatch}, nil
	}
	return Verdict{Valid: true}, nil
}

// Consume atomically transitions issued → consumed.  The mutex makes this
// the single serialization point: exactly one concurrent caller gets true.
func (s *MemoryStore) Consume(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if rec.status != StatusIssued {
		return false, nil
	}
	if s.now().After(rec.expiresAt) {
		rec.status = StatusExpired
		return false, nil
	}
	rec.status = StatusConsumed
	return true, nil
}

// Revoke explicitly invalidates a pending token.  Revoking a token that is
// already terminal is a no-op.
func (s *MemoryStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.tokens[token]; ok && rec.status == StatusIssued {
		rec.status = StatusRevoked
	}
	return nil
}

// ExpireStale marks overdue issued tokens as expired.
func (s *MemoryStore) ExpireStale(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, rec := range s.tokens {
		if rec.status == StatusIssued && now.After(rec.expiresAt) {
			rec.status = StatusExpired
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)

// Package inmem provides the in-memory implementation of store.Store.
//
// State lives in process memory with no durability: a restart forgets every
// in-flight confirmation, and two instances never see each other's writes. A
// request registered on one instance is unknown to its siblings, so a lookup
// miss caused by cross-instance routing surfaces as ErrRequestNotFound and
// must be treated as a hard failure by callers. Deployments that need
// multi-instance coordination should use features/store/redis behind the same
// interface.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/handoff/store"
	"goa.design/handoff/workflow"
)

type (
	// Store is the in-memory store.Store. It is safe for concurrent use.
	Store struct {
		mu  sync.Mutex
		ttl time.Duration
		now func() time.Time

		requests map[string]workflow.ActionRequest
		queue    []*workflow.QueuedAction
		queued   map[string]*workflow.QueuedAction
		executed map[string]struct{}
		threads  map[threadFlag]struct{}
	}

	// Option configures a Store.
	Option func(*Store)

	threadFlag struct {
		key  string
		kind workflow.Kind
	}
)

// WithTTL overrides the expiry horizon for registry entries and queue pruning.
// Defaults to store.DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Tests use this to drive expiry without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:      store.DefaultTTL,
		now:      time.Now,
		requests: make(map[string]workflow.ActionRequest),
		queued:   make(map[string]*workflow.QueuedAction),
		executed: make(map[string]struct{}),
		threads:  make(map[threadFlag]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// PutRequest implements store.Store. Every write sweeps entries older than
// the TTL; the sweep is O(n) over in-flight confirmations, which stay few.
func (s *Store) PutRequest(_ context.Context, req workflow.ActionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.Payload = clonePayload(req.Payload)
	s.requests[req.ID] = req
	return nil
}

// GetRequest implements store.Store. Expiry is also checked lazily here so an
// entry past the horizon is unreachable even when no sweep ran since it aged
// out.
func (s *Store) GetRequest(_ context.Context, id string) (workflow.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return workflow.ActionRequest{}, store.ErrRequestNotFound
	}
	if s.expired(req.CreatedAt, s.now()) {
		delete(s.requests, id)
		return workflow.ActionRequest{}, store.ErrRequestNotFound
	}
	req.Payload = clonePayload(req.Payload)
	return req, nil
}

// RemoveRequest implements store.Store.
func (s *Store) RemoveRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// Enqueue implements store.Store. Admission is idempotent: ids that already
// ran, and ids already pending, are accepted without effect.
func (s *Store) Enqueue(_ context.Context, action workflow.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ran := s.executed[action.ID]; ran {
		return nil
	}
	if _, pending := s.queued[action.ID]; pending {
		return nil
	}
	action.Status = workflow.StatusPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = s.now()
	}
	entry := action
	s.queue = append(s.queue, &entry)
	s.queued[entry.ID] = &entry
	return nil
}

// Pending implements store.Store.
func (s *Store) Pending(_ context.Context) ([]workflow.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]workflow.QueuedAction, 0, len(s.queue))
	for _, entry := range s.queue {
		if entry.Status != workflow.StatusPending {
			continue
		}
		if _, ran := s.executed[entry.ID]; ran {
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

// MarkProcessed implements store.Store. The dedup guard gains the id even
// when the queue entry was already pruned; the guard, not the queue, is what
// blocks re-execution.
func (s *Store) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.queued[id]; ok {
		entry.Status = workflow.StatusProcessed
	}
	s.executed[id] = struct{}{}
	return nil
}

// HasRun implements store.Store.
func (s *Store) HasRun(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ran := s.executed[id]
	return ran, nil
}

// HasThreadFlag implements store.Store.
func (s *Store) HasThreadFlag(_ context.Context, threadKey string, kind workflow.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[threadFlag{key: threadKey, kind: kind}]
	return ok, nil
}

// SetThreadFlag implements store.Store.
func (s *Store) SetThreadFlag(_ context.Context, threadKey string, kind workflow.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadFlag{key: threadKey, kind: kind}] = struct{}{}
	return nil
}

// Reset clears all state. Test helper, not part of store.Store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]workflow.ActionRequest)
	s.queue = nil
	s.queued = make(map[string]*workflow.QueuedAction)
	s.executed = make(map[string]struct{})
	s.threads = make(map[threadFlag]struct{})
}

// sweep drops registry entries and queue entries older than the TTL. The
// dedup guard and thread flags are deliberately never pruned: they are the
// process-lifetime record that keeps duplicates out.
func (s *Store) sweep(now time.Time) {
	for id, req := range s.requests {
		if s.expired(req.CreatedAt, now) {
			delete(s.requests, id)
		}
	}
	kept := s.queue[:0]
	for _, entry := range s.queue {
		if s.expired(entry.CreatedAt, now) {
			delete(s.queued, entry.ID)
			continue
		}
		kept = append(kept, entry)
	}
	s.queue = kept
}

func (s *Store) expired(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > s.ttl
}

func clonePayload(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

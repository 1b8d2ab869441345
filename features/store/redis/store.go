// Package redis provides a Redis-backed implementation of store.Store for
// deployments where requests may be routed to different process instances.
// Registry entries expire natively through Redis TTLs, so every instance sees
// the same in-flight confirmations and the same dedup guard.
//
// Key layout, under a configurable prefix:
//
//	<prefix>:request:<id>  confirmation request JSON, TTL-bound
//	<prefix>:action:<id>   queued action JSON, TTL-bound
//	<prefix>:pending       set of action ids awaiting execution
//	<prefix>:executed      set of action ids that ran to completion
//	<prefix>:threads       set of <threadKey>|<kind> flags
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/handoff/store"
	"goa.design/handoff/workflow"
)

type (
	// Store is the Redis-backed store.Store.
	Store struct {
		client *redis.Client
		prefix string
		ttl    time.Duration
	}

	// Config assembles a Store. Client is required.
	Config struct {
		// Client is the Redis connection.
		Client *redis.Client
		// Prefix namespaces all keys. Defaults to "handoff".
		Prefix string
		// TTL bounds registry entries and queue pruning. Defaults to
		// store.DefaultTTL.
		TTL time.Duration
	}
)

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "handoff"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	return &Store{client: cfg.Client, prefix: prefix, ttl: ttl}, nil
}

var _ store.Store = (*Store)(nil)

// PutRequest implements store.Store. Redis expires the entry natively, so no
// explicit sweep is needed.
func (s *Store) PutRequest(ctx context.Context, req workflow.ActionRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.ID, err)
	}
	if err := s.client.Set(ctx, s.requestKey(req.ID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest implements store.Store.
func (s *Store) GetRequest(ctx context.Context, id string) (workflow.ActionRequest, error) {
	b, err := s.client.Get(ctx, s.requestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.ActionRequest{}, store.ErrRequestNotFound
	}
	if err != nil {
		return workflow.ActionRequest{}, fmt.Errorf("load request %s: %w", id, err)
	}
	var req workflow.ActionRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return workflow.ActionRequest{}, fmt.Errorf("decode request %s: %w", id, err)
	}
	return req, nil
}

// RemoveRequest implements store.Store.
func (s *Store) RemoveRequest(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.requestKey(id)).Err(); err != nil {
		return fmt.Errorf("remove request %s: %w", id, err)
	}
	return nil
}

// Enqueue implements store.Store. SETNX on the action key makes admission
// idempotent across instances: the first delivery wins and later ones no-op.
func (s *Store) Enqueue(ctx context.Context, action workflow.QueuedAction) error {
	ran, err := s.client.SIsMember(ctx, s.executedKey(), action.ID).Result()
	if err != nil {
		return fmt.Errorf("check dedup guard for %s: %w", action.ID, err)
	}
	if ran {
		return nil
	}
	action.Status = workflow.StatusPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", action.ID, err)
	}
	admitted, err := s.client.SetNX(ctx, s.actionKey(action.ID), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("enqueue action %s: %w", action.ID, err)
	}
	if !admitted {
		return nil
	}
	if err := s.client.SAdd(ctx, s.pendingKey(), action.ID).Err(); err != nil {
		return fmt.Errorf("index pending action %s: %w", action.ID, err)
	}
	return nil
}

// Pending implements store.Store. Ids whose action key aged out are dropped
// from the index lazily here; that is the queue-pruning equivalent of the
// in-memory sweep.
func (s *Store) Pending(ctx context.Context) ([]workflow.QueuedAction, error) {
	ids, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	out := make([]workflow.QueuedAction, 0, len(ids))
	for _, id := range ids {
		ran, err := s.client.SIsMember(ctx, s.executedKey(), id).Result()
		if err != nil {
			return nil, fmt.Errorf("check dedup guard for %s: %w", id, err)
		}
		if ran {
			s.dropPending(ctx, id)
			continue
		}
		b, err := s.client.Get(ctx, s.actionKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.dropPending(ctx, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load action %s: %w", id, err)
		}
		var action workflow.QueuedAction
		if err := json.Unmarshal(b, &action); err != nil {
			return nil, fmt.Errorf("decode action %s: %w", id, err)
		}
		if action.Status != workflow.StatusPending {
			continue
		}
		out = append(out, action)
	}
	return out, nil
}

// MarkProcessed implements store.Store.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	b, err := s.client.Get(ctx, s.actionKey(id)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load action %s: %w", id, err)
	}
	if err == nil {
		var action workflow.QueuedAction
		if err := json.Unmarshal(b, &action); err != nil {
			return fmt.Errorf("decode action %s: %w", id, err)
		}
		action.Status = workflow.StatusProcessed
		updated, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("encode action %s: %w", id, err)
		}
		if err := s.client.Set(ctx, s.actionKey(id), updated, redis.KeepTTL).Err(); err != nil {
			return fmt.Errorf("update action %s: %w", id, err)
		}
	}
	if err := s.client.SAdd(ctx, s.executedKey(), id).Err(); err != nil {
		return fmt.Errorf("record execution of %s: %w", id, err)
	}
	s.dropPending(ctx, id)
	return nil
}

// HasRun implements store.Store.
func (s *Store) HasRun(ctx context.Context, id string) (bool, error) {
	ran, err := s.client.SIsMember(ctx, s.executedKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("check dedup guard for %s: %w", id, err)
	}
	return ran, nil
}

// HasThreadFlag implements store.Store.
func (s *Store) HasThreadFlag(ctx context.Context, threadKey string, kind workflow.Kind) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.threadsKey(), threadMember(threadKey, kind)).Result()
	if err != nil {
		return false, fmt.Errorf("check thread flag %s: %w", threadKey, err)
	}
	return ok, nil
}

// SetThreadFlag implements store.Store.
func (s *Store) SetThreadFlag(ctx context.Context, threadKey string, kind workflow.Kind) error {
	if err := s.client.SAdd(ctx, s.threadsKey(), threadMember(threadKey, kind)).Err(); err != nil {
		return fmt.Errorf("set thread flag %s: %w", threadKey, err)
	}
	return nil
}

// dropPending removes an id from the pending index. Failures are ignored; the
// next Pending call retries the removal.
func (s *Store) dropPending(ctx context.Context, id string) {
	_ = s.client.SRem(ctx, s.pendingKey(), id).Err()
}

func (s *Store) requestKey(id string) string { return s.prefix + ":request:" + id }
func (s *Store) actionKey(id string) string  { return s.prefix + ":action:" + id }
func (s *Store) pendingKey() string          { return s.prefix + ":pending" }
func (s *Store) executedKey() string         { return s.prefix + ":executed" }
func (s *Store) threadsKey() string          { return s.prefix + ":threads" }

func threadMember(threadKey string, kind workflow.Kind) string {
	return threadKey + "|" + string(kind)
}

// Package store defines the coordination store that bridges a confirmation
// prompt to its eventual execution. One Store value is constructed per process
// and owns four concerns behind a single surface: the TTL-keyed request
// registry, the confirmed-action queue, the dedup guard that records completed
// action ids, and the per-thread idempotency index.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/handoff/workflow"
)

// DefaultTTL is the age horizon after which registry entries expire and queue
// entries become prunable.
const DefaultTTL = time.Hour

// ErrRequestNotFound is returned by GetRequest when the request id is unknown
// or its entry has outlived the TTL. A late confirmation referencing such an
// id must be rejected, never silently re-created.
var ErrRequestNotFound = errors.New("confirmation request not found or expired")

// Store coordinates two-phase confirmed actions.
//
// Contract:
//   - A queued action's status moves Pending -> Processed exactly once and
//     never reverses.
//   - An id reported by HasRun stays reported for the lifetime of the store.
//   - A thread flag, once set, never clears.
//   - Duplicate admission (Enqueue of a pending or already-run id) is a silent
//     no-op, never an error.
type Store interface {
	// PutRequest registers an in-flight confirmation prompt. Overwrites
	// silently when the id is already present. Implementations sweep expired
	// entries as a side effect of the write.
	PutRequest(ctx context.Context, req workflow.ActionRequest) error
	// GetRequest loads a live request. Returns ErrRequestNotFound when the id
	// is unknown or the entry's age exceeds the TTL, even if no sweep has run
	// since it expired.
	GetRequest(ctx context.Context, id string) (workflow.ActionRequest, error)
	// RemoveRequest deletes a request. Removing an absent id is a no-op.
	RemoveRequest(ctx context.Context, id string) error

	// Enqueue admits a confirmed action. Ids that already ran to completion
	// or are already pending are admitted as no-ops.
	Enqueue(ctx context.Context, action workflow.QueuedAction) error
	// Pending lists confirmed actions that have not executed yet, filtered a
	// second time against the dedup guard as a safety net against stale
	// pending leftovers.
	Pending(ctx context.Context) ([]workflow.QueuedAction, error)
	// MarkProcessed records completed execution: the matching queue entry (if
	// any) flips to Processed and the id joins the dedup guard.
	MarkProcessed(ctx context.Context, id string) error
	// HasRun reports whether the action id has already run to completion.
	// Membership is the single source of truth for "done"; callers check it
	// both at admission and again immediately before executing.
	HasRun(ctx context.Context, id string) (bool, error)

	// HasThreadFlag reports whether an artifact of the given kind was already
	// produced for the conversation. Kinds are independent.
	HasThreadFlag(ctx context.Context, threadKey string, kind workflow.Kind) (bool, error)
	// SetThreadFlag marks the conversation as owning an artifact of the given
	// kind. Monotonic within the store's lifetime.
	SetThreadFlag(ctx context.Context, threadKey string, kind workflow.Kind) error
}

package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/handoff/store"
	"goa.design/handoff/workflow"
)

// fakeClock drives expiry without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func newClockedStore(c *fakeClock, opts ...Option) *Store {
	return New(append([]Option{WithClock(c.Now)}, opts...)...)
}

func ticketRequest(id string) workflow.ActionRequest {
	return workflow.ActionRequest{
		ID:   id,
		Kind: workflow.KindTicket,
		Payload: map[string]any{
			"title":      "Fix login bug",
			"channel":    "C1",
			"message_ts": "100.1",
		},
	}
}

func ticketAction(id string) workflow.QueuedAction {
	return workflow.QueuedAction{ID: id, Kind: workflow.KindTicket, ThreadKey: "C1_100.1"}
}

func TestGetRequestUnknown(t *testing.T) {
	s := New()
	_, err := s.GetRequest(context.Background(), "req_missing")
	require.ErrorIs(t, err, store.ErrRequestNotFound)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_1")))

	got, err := s.GetRequest(ctx, "req_1")
	require.NoError(t, err)
	require.Equal(t, "req_1", got.ID)
	require.Equal(t, workflow.KindTicket, got.Kind)
	require.Equal(t, "Fix login bug", got.Payload["title"])
	require.False(t, got.CreatedAt.IsZero(), "expected CreatedAt stamped on write")

	got.Payload["title"] = "mutated"
	reread, err := s.GetRequest(ctx, "req_1")
	require.NoError(t, err)
	require.Equal(t, "Fix login bug", reread.Payload["title"], "expected defensive copy")
}

func TestPutRequestOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_1")))
	other := ticketRequest("req_1")
	other.Payload["title"] = "Second prompt"
	require.NoError(t, s.PutRequest(ctx, other))

	got, err := s.GetRequest(ctx, "req_1")
	require.NoError(t, err)
	require.Equal(t, "Second prompt", got.Payload["title"])
}

func TestRequestTTL(t *testing.T) {
	clock := newFakeClock()
	s := newClockedStore(clock)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_1")))

	clock.Advance(59 * time.Minute)
	_, err := s.GetRequest(ctx, "req_1")
	require.NoError(t, err, "entry must be reachable before the horizon")

	clock.Advance(2 * time.Minute)
	_, err = s.GetRequest(ctx, "req_1")
	require.ErrorIs(t, err, store.ErrRequestNotFound, "entry must expire lazily on read")
}

func TestPutRequestSweepsExpired(t *testing.T) {
	clock := newFakeClock()
	s := newClockedStore(clock)
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_old")))

	clock.Advance(61 * time.Minute)
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_new")))

	require.Len(t, s.requests, 1, "write-time sweep must drop the aged entry")
	_, ok := s.requests["req_new"]
	require.True(t, ok)
}

func TestRemoveRequestIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_1")))
	require.NoError(t, s.RemoveRequest(ctx, "req_1"))
	require.NoError(t, s.RemoveRequest(ctx, "req_1"), "removing an absent id is a no-op")
	_, err := s.GetRequest(ctx, "req_1")
	require.ErrorIs(t, err, store.ErrRequestNotFound)
}

func TestEnqueueIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, ticketAction("C1_100.1_ticket_confirmed")))
	require.NoError(t, s.Enqueue(ctx, ticketAction("C1_100.1_ticket_confirmed")))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, workflow.StatusPending, pending[0].Status)
}

func TestMarkProcessedBlocksReenqueue(t *testing.T) {
	s := New()
	ctx := context.Background()
	const id = "C1_100.1_ticket_confirmed"
	require.NoError(t, s.Enqueue(ctx, ticketAction(id)))
	require.NoError(t, s.MarkProcessed(ctx, id))

	ran, err := s.HasRun(ctx, id)
	require.NoError(t, err)
	require.True(t, ran)

	require.NoError(t, s.Enqueue(ctx, ticketAction(id)))
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "a processed id must never reappear as pending")
}

func TestMarkProcessedUnknownID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.MarkProcessed(ctx, "C9_1.0_doc_confirmed"))
	ran, err := s.HasRun(ctx, "C9_1.0_doc_confirmed")
	require.NoError(t, err)
	require.True(t, ran, "the dedup guard gains the id even without a queue entry")
}

func TestPendingFiltersExecuted(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, ticketAction("a")))
	require.NoError(t, s.Enqueue(ctx, ticketAction("b")))

	// Force a stale pending leftover: executed without flipping the entry.
	s.mu.Lock()
	s.executed["a"] = struct{}{}
	s.mu.Unlock()

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].ID)
}

func TestQueuePruning(t *testing.T) {
	clock := newFakeClock()
	s := newClockedStore(clock)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, ticketAction("old")))

	clock.Advance(61 * time.Minute)
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_trigger")))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "aged queue entries are pruned by the write-time sweep")
}

func TestThreadFlagsIndependentPerKind(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetThreadFlag(ctx, "C1_100.1", workflow.KindTicket))

	hasTicket, err := s.HasThreadFlag(ctx, "C1_100.1", workflow.KindTicket)
	require.NoError(t, err)
	require.True(t, hasTicket)

	hasDoc, err := s.HasThreadFlag(ctx, "C1_100.1", workflow.KindDoc)
	require.NoError(t, err)
	require.False(t, hasDoc, "kinds are independent")

	hasOther, err := s.HasThreadFlag(ctx, "C2_100.1", workflow.KindTicket)
	require.NoError(t, err)
	require.False(t, hasOther, "threads are independent")
}

func TestDuplicateConfirmationScenario(t *testing.T) {
	// A confirmation prompt is in flight, then the same confirmation event is
	// delivered twice before execution completes.
	s := New()
	ctx := context.Background()
	req := workflow.ActionRequest{
		ID:   "req_1700000000000",
		Kind: workflow.KindTicket,
		Payload: map[string]any{
			"title":      "Fix login bug",
			"channel":    "C1",
			"message_ts": "100.1",
		},
	}
	require.NoError(t, s.PutRequest(ctx, req))

	stored, err := s.GetRequest(ctx, "req_1700000000000")
	require.NoError(t, err)

	actionID := workflow.ActionID(stored.Payload["channel"].(string), stored.Payload["message_ts"].(string), stored.Kind)
	require.Equal(t, "C1_100.1_ticket_confirmed", actionID)

	first := workflow.QueuedAction{ID: actionID, Kind: stored.Kind, ThreadKey: "C1_100.1"}
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, first), "redelivered confirmation")

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestReset(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, ticketRequest("req_1")))
	require.NoError(t, s.Enqueue(ctx, ticketAction("a")))
	require.NoError(t, s.SetThreadFlag(ctx, "C1_100.1", workflow.KindTicket))

	s.Reset()

	_, err := s.GetRequest(ctx, "req_1")
	require.True(t, errors.Is(err, store.ErrRequestNotFound))
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
	has, err := s.HasThreadFlag(ctx, "C1_100.1", workflow.KindTicket)
	require.NoError(t, err)
	require.False(t, has)
}

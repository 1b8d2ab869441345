package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"goa.design/handoff/store"
	"goa.design/handoff/workflow"
)

// testStore connects to the Redis named by HANDOFF_TEST_REDIS_URL and skips
// the test when it is unset, so the suite passes without a server.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("HANDOFF_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HANDOFF_TEST_REDIS_URL not set")
	}
	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(Config{Client: client, Prefix: "handoff-test-" + t.Name(), TTL: time.Minute})
	require.NoError(t, err)
	return s
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	req := workflow.ActionRequest{
		ID:      "req_redis_1",
		Kind:    workflow.KindTicket,
		Payload: map[string]any{"title": "Fix login bug", "channel": "C1", "message_ts": "100.1"},
	}
	require.NoError(t, s.PutRequest(ctx, req))

	got, err := s.GetRequest(ctx, "req_redis_1")
	require.NoError(t, err)
	require.Equal(t, "Fix login bug", got.Payload["title"])

	require.NoError(t, s.RemoveRequest(ctx, "req_redis_1"))
	_, err = s.GetRequest(ctx, "req_redis_1")
	require.ErrorIs(t, err, store.ErrRequestNotFound)
}

func TestEnqueueIdempotentAcrossCalls(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	action := workflow.QueuedAction{ID: "C1_100.1_ticket_confirmed", Kind: workflow.KindTicket, ThreadKey: "C1_100.1"}

	require.NoError(t, s.Enqueue(ctx, action))
	require.NoError(t, s.Enqueue(ctx, action))

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkProcessed(ctx, action.ID))
	ran, err := s.HasRun(ctx, action.ID)
	require.NoError(t, err)
	require.True(t, ran)

	require.NoError(t, s.Enqueue(ctx, action))
	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestThreadFlags(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetThreadFlag(ctx, "C1_100.1", workflow.KindTicket))
	has, err := s.HasThreadFlag(ctx, "C1_100.1", workflow.KindTicket)
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.HasThreadFlag(ctx, "C1_100.1", workflow.KindDoc)
	require.NoError(t, err)
	require.False(t, has)
}

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
)

func appendN(t *testing.T, s *SQLiteStore, tenant string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), tenant, eventlog.CreatedFields(fmt.Sprintf("t-%d", i+1)))
		require.NoError(t, err)
	}
}

func positions(entries []eventlog.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Position
	}
	return out
}

func TestCreateGroup_ReplaysFromStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "acme", 3)

	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"), "idempotent")

	entries, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c1", Count: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, positions(entries))
	assert.Equal(t, "t-1", entries[0].Fields[eventlog.FieldThoughtID])
	assert.Equal(t, 1, entries[0].DeliveryCount)
}

func TestClaim_BatchAndOnlyNew(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "acme", 5)
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))

	req := eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c1", Count: 2, MinIdle: time.Hour}
	first, err := s.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, positions(first))

	req.Consumer = "c2"
	second, err := s.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, positions(second), "two consumers never share an entry")

	// A second group sees everything again.
	require.NoError(t, s.CreateGroup(ctx, "acme", "other"))
	all, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "other", Consumer: "c", Count: 10})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestClaim_RedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "acme", 2)
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))

	req := eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c1", Count: 10}
	entries, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	n, err := s.Ack(ctx, "acme", "g", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Ack(ctx, "acme", "g", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "double ack is a no-op")

	again, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, int64(2), again[0].Position)
	assert.Equal(t, 2, again[0].DeliveryCount)

	req.MinIdle = time.Hour
	none, err := s.Claim(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, none, "recently delivered entries are not reclaimed")
}

func TestReclaim_OnlyOwnedEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "acme", 3)
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))

	first, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "a", Count: 3, MinIdle: time.Hour})
	require.NoError(t, err)
	require.Len(t, first, 3)

	// b takes over position 2 once it has been idle long enough.
	time.Sleep(5 * time.Millisecond)
	_, err = s.Ack(ctx, "acme", "g", 3)
	require.NoError(t, err)
	stolen, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "b", Count: 1, MinIdle: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, int64(1), stolen[0].Position)

	kept, err := s.Reclaim(ctx, "acme", "g", "a", 1, 2, 3)
	require.NoError(t, err)
	require.Len(t, kept, 1, "entries moved to b and acked entries are skipped")
	assert.Equal(t, int64(2), kept[0].Position)
	assert.Equal(t, 2, kept[0].DeliveryCount)
	assert.Equal(t, "t-2", kept[0].Fields[eventlog.FieldThoughtID])

	none, err := s.Reclaim(ctx, "acme", "g", "b")
	require.NoError(t, err)
	assert.Empty(t, none)

	again, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "b", Count: 10, MinIdle: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, again, "a renewed its entry so b cannot take it")
}

func TestClaim_BlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))

	done := make(chan []eventlog.Entry, 1)
	go func() {
		entries, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c", Count: 5, Block: 5 * time.Second, MinIdle: time.Hour})
		assert.NoError(t, err)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	appendN(t, s, "acme", 1)

	select {
	case entries := <-done:
		assert.Equal(t, []int64{1}, positions(entries))
	case <-time.After(3 * time.Second):
		t.Fatal("claim did not wake on append")
	}
}

func TestClaim_BlockTimeoutAndCancel(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGroup(context.Background(), "acme", "g"))
	req := eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c", Count: 5, Block: 30 * time.Millisecond}

	entries, err := s.Claim(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.Block = time.Minute
	_, err = s.Claim(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaim_SignalFromElsewhere(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGroup(context.Background(), "acme", "g"))

	start := time.Now()
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Signal("acme")
	}()
	entries, err := s.Claim(context.Background(), eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c", Count: 1, Block: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "a signal without data keeps waiting")
}

func TestClaim_UnknownGroup(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Claim(context.Background(), eventlog.ClaimRequest{Tenant: "acme", Group: "nope", Consumer: "c", Count: 1})
	assert.ErrorIs(t, err, eventlog.ErrGroupNotFound)
}

func TestParkAndGroupInfo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "acme", 4)
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))

	entries, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c", Count: 3, MinIdle: time.Hour})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	_, err = s.Ack(ctx, "acme", "g", 1)
	require.NoError(t, err)
	require.NoError(t, s.Park(ctx, eventlog.ParkedEntry{
		Tenant: "acme", Group: "g", Position: 2, ThoughtID: "t-2", Reason: "provider rejected input", Attempts: 1,
	}))

	info, err := s.GroupInfo(ctx, "acme", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.LastPosition)
	assert.Equal(t, int64(3), info.LastDelivered)
	assert.Equal(t, 1, info.Pending)
	assert.Equal(t, 1, info.Parked)
	assert.Equal(t, int64(2), info.Lag)

	parked, err := s.Parked(ctx, "acme", "g")
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "t-2", parked[0].ThoughtID)
	assert.Equal(t, "provider rejected input", parked[0].Reason)

	_, err = s.GroupInfo(ctx, "acme", "missing")
	assert.ErrorIs(t, err, eventlog.ErrGroupNotFound)
}

func TestListStreams(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "globex", 1)
	appendN(t, s, "acme", 1)

	names, err := s.ListStreams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"thoughts:acme", "thoughts:globex"}, names)
}

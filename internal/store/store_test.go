package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "thoughtd.db"), Options{ExpectedItems: 1000, FalsePositiveRate: 0.0001})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(tenant, content string) thought.Record {
	return thought.Record{
		Tenant:      tenant,
		ID:          uuid.NewString(),
		Content:     content,
		Fingerprint: thought.Fingerprint(content),
		CreatedAt:   time.Now().UTC(),
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "thoughtd.db")
	s, err := NewSQLiteStore(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestAcceptThought(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := newRecord("acme", "redis pipelining")
	res, err := s.AcceptThought(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, first.ID, res.ThoughtID)
	assert.Equal(t, int64(1), res.Position)

	t.Run("whitespace variant is a duplicate", func(t *testing.T) {
		dup := newRecord("acme", "  redis\tpipelining \n")
		res, err := s.AcceptThought(ctx, dup)
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, first.ID, res.ThoughtID)

		_, err = s.GetThought(ctx, "acme", dup.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("case differs", func(t *testing.T) {
		res, err := s.AcceptThought(ctx, newRecord("acme", "Redis pipelining"))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
	})

	t.Run("other tenant is independent", func(t *testing.T) {
		res, err := s.AcceptThought(ctx, newRecord("globex", "redis pipelining"))
		require.NoError(t, err)
		assert.True(t, res.Accepted)
		assert.Equal(t, int64(1), res.Position)
	})

	got, err := s.GetThought(ctx, "acme", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "redis pipelining", got.Content)
	assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Microsecond)

	n, err := s.CountThoughts(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Every accepted record has exactly one event.
	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))
	entries, err := s.Claim(ctx, eventlog.ClaimRequest{Tenant: "acme", Group: "g", Consumer: "c", Count: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAcceptThought_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AcceptThought(ctx, newRecord("acme", "same thought"))
			assert.NoError(t, err)
			if res.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	count, err := s.CountThoughts(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.CreateGroup(ctx, "acme", "g"))
	info, err := s.GroupInfo(ctx, "acme", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.LastPosition)
}

func TestFingerprintBits(t *testing.T) {
	bits := fingerprintBits(thought.Fingerprint("x"), 1024, 7)
	assert.NotEmpty(t, bits)
	assert.LessOrEqual(t, len(bits), 7)
	for _, b := range bits {
		assert.GreaterOrEqual(t, b, int64(0))
		assert.Less(t, b, int64(1024))
	}
	assert.Equal(t, bits, fingerprintBits(thought.Fingerprint("x"), 1024, 7))
}

func TestLexicalSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, c := range []string{"redis pipelining", "postgres vacuum tuning", "pipelining http requests"} {
		_, err := s.AcceptThought(ctx, newRecord("acme", c))
		require.NoError(t, err)
	}
	_, err := s.AcceptThought(ctx, newRecord("globex", "redis pipelining at globex"))
	require.NoError(t, err)

	got, err := s.LexicalSearch(ctx, "acme", "Pipelining!", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "acme", r.Tenant)
		assert.Contains(t, r.Content, "pipelining")
	}

	got, err = s.LexicalSearch(ctx, "acme", `"unbalanced OR NEAR(`, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.LexicalSearch(ctx, "acme", "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"redis" OR "pipelining"`, ftsQuery("Redis, pipelining redis"))
	assert.Equal(t, `"near"`, ftsQuery(`NEAR("`))
	assert.Equal(t, "", ftsQuery("!!"))
}

func TestGetThought_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetThought(context.Background(), "acme", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

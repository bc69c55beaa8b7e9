package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupRangeSet(t *testing.T, s *Store) *RangeSet {
	t.Helper()
	rs, err := UpsertRangeSet(context.Background(), s.db, "r1", "0", "1000000", 8, false)
	require.NoError(t, err)
	return rs
}

// P3 (spec.md §8): two claimants racing the same chunk index, only one
// wins.
func TestTryInsertChunkClaimContention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rs := setupRangeSet(t, s)

	_, err := TryInsertChunk(ctx, s.db, rs.ID, "5", "1280", "1535")
	require.NoError(t, err)

	_, err = TryInsertChunk(ctx, s.db, rs.ID, "5", "1280", "1535")
	require.ErrorIs(t, err, ErrClaimContention)
}

func TestStartAndFinishChunkLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rs := setupRangeSet(t, s)

	c, err := TryInsertChunk(ctx, s.db, rs.ID, "0", "0", "255")
	require.NoError(t, err)
	require.Equal(t, ChunkQueued, c.Status)

	require.NoError(t, StartChunk(ctx, s.db, c.ID, "02ab", 4, 20, false, 1.0, "123456"))
	running, err := ChunkByID(ctx, s.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, ChunkRunning, running.Status)
	require.Equal(t, "02ab", running.Pubkey.String)

	require.NoError(t, FinishChunk(ctx, s.db, c.ID, ChunkDone, 12.5, 10.1, 3, []byte("log")))
	done, err := ChunkByID(ctx, s.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, ChunkDone, done.Status)
}

// Crash recovery: a chunk left running is handed back to the next picker
// instead of orphaned behind a fresh claim.
func TestFindRunningChunkReturnsOldestRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rs := setupRangeSet(t, s)

	none, err := FindRunningChunk(ctx, s.db, rs.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	c, err := TryInsertChunk(ctx, s.db, rs.ID, "0", "0", "255")
	require.NoError(t, err)
	require.NoError(t, StartChunk(ctx, s.db, c.ID, "02ab", 4, 20, false, 1.0, "123456"))

	found, err := FindRunningChunk(ctx, s.db, rs.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, c.ID, found.ID)
}

func TestResetToQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rs := setupRangeSet(t, s)

	c, err := TryInsertChunk(ctx, s.db, rs.ID, "0", "0", "255")
	require.NoError(t, err)
	require.NoError(t, StartChunk(ctx, s.db, c.ID, "02ab", 4, 20, false, 1.0, "123456"))
	require.NoError(t, ResetToQueued(ctx, s.db, c.ID))

	reset, err := ChunkByID(ctx, s.db, c.ID)
	require.NoError(t, err)
	require.Equal(t, ChunkQueued, reset.Status)
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertRangeSetCreatesThenReturnsStable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rs1, err := UpsertRangeSet(ctx, s.db, "r1", "0", "1000", 8, false)
	require.NoError(t, err)
	rs2, err := UpsertRangeSet(ctx, s.db, "r1", "0", "1000", 8, false)
	require.NoError(t, err)
	require.Equal(t, rs1.ID, rs2.ID)
}

// P1 (spec.md §8): re-opening an existing range-set with different bounds
// and existing chunks is a fingerprint conflict unless force-reinit.
func TestUpsertRangeSetFingerprintConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rs, err := UpsertRangeSet(ctx, s.db, "r1", "0", "1000", 8, false)
	require.NoError(t, err)
	_, err = TryInsertChunk(ctx, s.db, rs.ID, "0", "0", "255")
	require.NoError(t, err)

	_, err = UpsertRangeSet(ctx, s.db, "r1", "0", "2000", 8, false)
	require.ErrorIs(t, err, ErrFingerprintConflict)
}

func TestUpsertRangeSetForceReinitPurgesChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rs, err := UpsertRangeSet(ctx, s.db, "r1", "0", "1000", 8, false)
	require.NoError(t, err)
	_, err = TryInsertChunk(ctx, s.db, rs.ID, "0", "0", "255")
	require.NoError(t, err)

	rs2, err := UpsertRangeSet(ctx, s.db, "r1", "0", "2000", 8, true)
	require.NoError(t, err)
	require.Equal(t, "2000", rs2.MaxDec)

	n, err := CountByStatus(ctx, s.db, rs2.ID, ChunkQueued)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAutoRangeSetNameStable(t *testing.T) {
	a := AutoRangeSetName("02ab", "0", "1000", 8)
	b := AutoRangeSetName("02ab", "0", "1000", 8)
	require.Equal(t, a, b)
	require.Regexp(t, `^band_[0-9a-f]{10}$`, a)
}

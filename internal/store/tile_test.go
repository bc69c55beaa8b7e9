package store

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/orchestrator/internal/tiling"
)

func TestInsertRunningTileFreshClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hex := tiling.Hex64Upper(tiling.FromUint64(0x1000))

	outcome, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 8, hex, []int{16, 8}, 1, 1)
	require.NoError(t, err)
	require.Equal(t, TileInserted, outcome)
}

// P7 (spec.md §8): a second claim attempt on the same live tile is busy.
func TestInsertRunningTileBusyOnLiveLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hex := tiling.Hex64Upper(tiling.FromUint64(0x1000))

	_, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 8, hex, []int{16, 8}, 1, 1)
	require.NoError(t, err)
	outcome, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 8, hex, []int{16, 8}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, TileBusy, outcome)
}

// P8 (spec.md §8): an expired lease is stolen rather than refused.
func TestInsertRunningTileStealsExpiredLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hex := tiling.Hex64Upper(tiling.FromUint64(0x1000))

	_, err := InsertRunningTile(ctx, s.db, time.Millisecond, "02ab", 8, hex, []int{16, 8}, 1, 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	outcome, err := InsertRunningTile(ctx, s.db, time.Millisecond, "02ab", 8, hex, []int{16, 8}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, TileStolenFromExpiredLease, outcome)
}

// P4 (spec.md §8): a tile whose ancestor is already claimed cannot also be
// claimed at a finer level.
func TestInsertRunningTileCoveredByAncestor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	parentHex := tiling.Hex64Upper(tiling.AlignDown(tiling.FromUint64(0x1000), 16))

	_, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 16, parentHex, []int{16, 8}, 1, 1)
	require.NoError(t, err)

	childHex := tiling.Hex64Upper(tiling.FromUint64(0x1000))
	outcome, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 8, childHex, []int{16, 8}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, TileCoveredByAncestor, outcome)
}

func TestClaimTilesForChunkWalksRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := tiling.FromUint64(0)
	end := new(uint256.Int).Mul(tiling.SizeOf(4), uint256.NewInt(4))
	claimed, err := ClaimTilesForChunk(ctx, s.db, time.Minute, "02ab", []int{8, 4}, start, end, 1, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
}

func TestRefreshAndFinalizeTiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hex := tiling.Hex64Upper(tiling.FromUint64(0x2000))

	_, err := InsertRunningTile(ctx, s.db, time.Minute, "02ab", 8, hex, []int{16, 8}, 5, 9)
	require.NoError(t, err)

	n, err := RefreshTileLeases(ctx, s.db, 5, 9)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = FinalizeTiles(ctx, s.db, 5, 9, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestReapExpiredTiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hex := tiling.Hex64Upper(tiling.FromUint64(0x3000))

	_, err := InsertRunningTile(ctx, s.db, time.Millisecond, "02ab", 8, hex, []int{16, 8}, 1, 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := ReapExpiredTiles(ctx, s.db, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

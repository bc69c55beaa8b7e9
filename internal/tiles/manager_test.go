package tiles

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
)

func newTestManager(t *testing.T, levels []int) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory(context.Background(), rangelog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	m, err := New(s.DB(), levels, time.Minute, rangelog.Nop())
	require.NoError(t, err)
	return m, s
}

// S3 (spec.md §8): claiming a chunk's tiling and sealing it leaves no
// running tiles behind.
func TestClaimAndSealRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, []int{8, 4})

	claimed, err := m.ClaimForChunk(context.Background(), "02ab", "0", "255", 1, 1)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)

	require.NoError(t, m.Seal(context.Background(), 1, 1, false))

	var running int
	row := m.db.QueryRowContext(context.Background(), `SELECT count(*) FROM `+store.TableTiles+` WHERE status=?`, store.TileRunning)
	require.NoError(t, row.Scan(&running))
	require.Zero(t, running)
}

func TestReapRemovesExpiredLeases(t *testing.T) {
	m, _ := newTestManager(t, []int{8, 4})
	m.leaseTTL = time.Millisecond

	_, err := m.ClaimForChunk(context.Background(), "02ab", "0", "15", 1, 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := m.Reap(context.Background())
	require.NoError(t, err)
	require.True(t, n > 0)
}

// S4 (spec.md §8): 16 terminal siblings at the finest level compact into
// one terminal tile at the next coarser level. Each of the 16 claims below
// spans exactly one level-4 tile's width (16 decimal values); claiming the
// full [0,255] span in one call would instead land a single level-8 tile
// (the canonical coarsest-first walk prefers it), so the siblings here are
// built up individually, one finished chunk at a time, the way 16
// independently-scheduled chunks narrower than a level-8 tile would.
func TestCompactOnceCollapsesFullSiblingGroup(t *testing.T) {
	m, _ := newTestManager(t, []int{8, 4})
	ctx := context.Background()

	for i := int64(0); i < 16; i++ {
		lo := i * 16
		hi := lo + 15
		claimed, err := m.ClaimForChunk(ctx, "02ab", fmt.Sprintf("%d", lo), fmt.Sprintf("%d", hi), 1, i+1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, m.Seal(ctx, 1, i+1, false))
	}

	n, err := m.CompactOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var parents int
	row := m.db.QueryRowContext(ctx, `SELECT count(*) FROM `+store.TableTiles+` WHERE level=8`)
	require.NoError(t, row.Scan(&parents))
	require.Equal(t, 1, parents)
}

func TestBackfillMissingInsertsTilesForUntiledChunk(t *testing.T) {
	m, s := newTestManager(t, []int{8, 4})
	ctx := context.Background()

	rs, err := store.UpsertRangeSet(ctx, s.DB(), "r1", "0", "255", 4, false)
	require.NoError(t, err)
	c, err := store.TryInsertChunk(ctx, s.DB(), rs.ID, "0", "0", "15")
	require.NoError(t, err)
	require.NoError(t, store.StartChunk(ctx, s.DB(), c.ID, "02ab", 1, 20, false, 1.0, "1"))
	require.NoError(t, store.FinishChunk(ctx, s.DB(), c.ID, store.ChunkDone, 1, 1, 0, nil))

	n, err := m.BackfillMissing(ctx, rs.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

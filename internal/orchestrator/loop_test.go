package orchestrator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rangekeeper/orchestrator/internal/banner"
	"github.com/rangekeeper/orchestrator/internal/config"
	"github.com/rangekeeper/orchestrator/internal/metrics"
	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiles"
	"github.com/rangekeeper/orchestrator/internal/worker"
)

func newTestLoop(t *testing.T, script string) (*Loop, *store.RangeSet) {
	t.Helper()
	ctx := context.Background()
	log := rangelog.Nop()

	s, err := store.OpenMemory(ctx, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tm, err := tiles.New(s.DB(), []int{8, 4}, time.Minute, log)
	require.NoError(t, err)

	rs, err := store.UpsertRangeSet(ctx, s.DB(), "r1", "0", "1023", 4, false)
	require.NoError(t, err)

	cfg := &config.Config{
		Picker:              "random",
		TotalChunks:         big.NewInt(64),
		Threads:             2,
		DP:                  10,
		LeaseRefreshSeconds: 3600, // effectively disabled for a short-lived test command
		RestSeconds:         0,
		StopOnFound:         true,
	}

	l := New(s, tm, metrics.New(), log, banner.New(), cfg, func(rs *store.RangeSet, c *store.Chunk, cfg *config.Config) []string {
		return []string{"/bin/sh", "-c", script}
	})
	return l, rs
}

func TestIterateDoneOutcome(t *testing.T) {
	l, rs := newTestLoop(t, `echo "HEADER pubkey=02ab dp=10 threads=2 range=[0,15]"; echo "PROGRESS mk_s=1 mk_s_avg=1 dead=0"`)
	found, err := l.iterate(context.Background(), rs)
	require.NoError(t, err)
	require.False(t, found)

	n, err := store.CountByStatus(context.Background(), l.Store.DB(), rs.ID, store.ChunkDone)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestIterateFoundOutcome(t *testing.T) {
	l, rs := newTestLoop(t, `echo "FOUND priv=deadbeef"`)
	found, err := l.iterate(context.Background(), rs)
	require.NoError(t, err)
	require.True(t, found)

	n, err := store.CountByStatus(context.Background(), l.Store.DB(), rs.ID, store.ChunkFound)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

// A user interrupt finalizes the chunk as aborted, leaving its tiles
// running so their leases expire naturally instead of being sealed clean
// — spec.md line 176.
func TestReconcileUserInterruptAbortsChunkWithoutSealing(t *testing.T) {
	l, rs := newTestLoop(t, "")
	ctx := context.Background()

	c, err := store.TryInsertChunk(ctx, l.Store.DB(), rs.ID, "0", "0", "15")
	require.NoError(t, err)
	require.NoError(t, store.StartChunk(ctx, l.Store.DB(), c.ID, "02ab", 2, 10, false, 1.0, ""))
	_, err = l.Tiles.ClaimForChunk(ctx, "02ab", c.StartDec, c.EndDec, rs.ID, c.ID)
	require.NoError(t, err)

	found, err := l.reconcile(ctx, rs, c, &worker.Result{Status: worker.StatusUserInterrupt})
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, l.stopRequested)

	finished, err := store.ChunkByID(ctx, l.Store.DB(), c.ID)
	require.NoError(t, err)
	require.Equal(t, store.ChunkAborted, finished.Status)

	var running int
	row := l.Store.DB().QueryRowContext(ctx, `SELECT count(*) FROM `+store.TableTiles+` WHERE rangeset_id=? AND chunk_id=? AND status=?`,
		rs.ID, c.ID, store.TileRunning)
	require.NoError(t, row.Scan(&running))
	require.True(t, running > 0, "tiles should be left running, not sealed")
}

func TestRunStopsOnFound(t *testing.T) {
	l, rs := newTestLoop(t, `echo "FOUND priv=deadbeef"`)
	err := l.Run(context.Background(), rs)
	require.NoError(t, err)
}

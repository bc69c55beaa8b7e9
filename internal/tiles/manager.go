// Package tiles orchestrates the per-pubkey hierarchical canonical tiling
// on top of internal/store's row-level primitives: claiming the tiles
// covering a chunk, refreshing their leases while a worker runs, sealing
// them on completion, reaping expired leases, compacting sibling terminal
// tiles into their parent, and backfilling tiling for chunks that finished
// before tiling existed (spec.md §4.4).
package tiles

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiling"
)

// Manager binds a fixed level set and lease TTL for the tile operations.
// It also allocates a small LRU cache, but no lookup consults it: every
// ancestor/child existence check queries the database.
type Manager struct {
	db       *sql.DB
	levels   []int
	leaseTTL time.Duration
	log      *rangelog.Logger
	cache    *lru.Cache[string, bool]
}

// New builds a Manager. levels must be sorted coarsest-first, each a
// multiple of 4, matching --tile-levels (spec.md §6).
func New(db *sql.DB, levels []int, leaseTTL time.Duration, log *rangelog.Logger) (*Manager, error) {
	for _, l := range levels {
		if err := tiling.ValidateLevel(l); err != nil {
			return nil, err
		}
	}
	cache, err := lru.New[string, bool](4096)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, levels: levels, leaseTTL: leaseTTL, log: log, cache: cache}, nil
}

// ClaimForChunk claims the canonical tiling covering [startDec, endDec]
// (both inclusive) for pubkey, attributing every claimed tile to
// (rangesetID, chunkID). The coarsest configured level is attempted first;
// a sub-range already covered by a done or found ancestor is skipped, and
// a sub-range only splits into finer levels where it doesn't align to a
// coarser tile's boundary, where a running ancestor or an existing child
// blocks the coarser claim, or where the coarser insert is lost.
func (m *Manager) ClaimForChunk(ctx context.Context, pubkey, startDec, endDec string, rangesetID, chunkID int64) ([]string, error) {
	start, err := decToUint256(startDec)
	if err != nil {
		return nil, err
	}
	end, err := decToUint256(endDec)
	if err != nil {
		return nil, err
	}
	end = new(uint256.Int).AddUint64(end, 1) // chunk bounds are inclusive; tiling walk is half-open

	claimed, err := store.ClaimTilesForChunk(ctx, m.db, m.leaseTTL, pubkey, m.levels, start, end, rangesetID, chunkID)
	if err != nil {
		return nil, err
	}
	m.log.Debugw("claimed tiles for chunk", "pubkey", pubkey, "count", len(claimed), "chunk_id", chunkID)
	return claimed, nil
}

// RefreshLeases extends the lease on every tile owned by (rangesetID,
// chunkID), called on the worker's heartbeat cadence (--lease-refresh-s).
func (m *Manager) RefreshLeases(ctx context.Context, rangesetID, chunkID int64) error {
	n, err := store.RefreshTileLeases(ctx, m.db, rangesetID, chunkID)
	if err != nil {
		return err
	}
	m.log.Debugw("refreshed tile leases", "rangeset_id", rangesetID, "chunk_id", chunkID, "count", n)
	return nil
}

// Seal marks every tile owned by (rangesetID, chunkID) done or found.
func (m *Manager) Seal(ctx context.Context, rangesetID, chunkID int64, found bool) error {
	n, err := store.FinalizeTiles(ctx, m.db, rangesetID, chunkID, found)
	if err != nil {
		return err
	}
	m.log.Infow("sealed tiles", "rangeset_id", rangesetID, "chunk_id", chunkID, "count", n, "found", found)
	return nil
}

// Reap deletes expired running-tile leases so a crashed worker's claims
// eventually become reclaimable.
func (m *Manager) Reap(ctx context.Context) (int64, error) {
	n, err := store.ReapExpiredTiles(ctx, m.db, m.leaseTTL)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warnw("reaped expired tile leases", "count", n)
	}
	return n, nil
}

func decToUint256(dec string) (*uint256.Int, error) {
	n := new(uint256.Int)
	if err := n.SetFromDecimal(dec); err != nil {
		return nil, fmt.Errorf("tiles: %s does not fit in 256 bits: %w", dec, err)
	}
	return n, nil
}

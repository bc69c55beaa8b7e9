package tiles

import (
	"context"
	"database/sql"

	"github.com/holiman/uint256"

	"github.com/rangekeeper/orchestrator/internal/store"
)

// BackfillChunk reconstructs canonical terminal tiling for a chunk that
// finished before tiling existed (or before it was tracked for this
// pubkey): it walks [startDec, endDec] (both inclusive) with the same coarsest-first
// ancestor/child triage as ClaimForChunk, inserting each resulting tile
// directly with terminal status (done/found) instead of negotiating a
// leased running claim, since no lease is needed for history that already
// happened — orch.py's backfill_tiles_for_chunk / _seal_tile_recursive.
func (m *Manager) BackfillChunk(ctx context.Context, pubkey, startDec, endDec string, rangesetID, chunkID int64, found bool) (int, error) {
	start, err := decToUint256(startDec)
	if err != nil {
		return 0, err
	}
	end, err := decToUint256(endDec)
	if err != nil {
		return 0, err
	}
	end = new(uint256.Int).AddUint64(end, 1) // chunk bounds are inclusive; tiling walk is half-open

	status := store.TileDone
	if found {
		status = store.TileFound
	}

	before, err := m.countTiles(ctx, rangesetID, chunkID)
	if err != nil {
		return 0, err
	}
	if err := store.SealTilesForChunk(ctx, m.db, m.leaseTTL, pubkey, m.levels, start, end, rangesetID, chunkID, status); err != nil {
		return 0, err
	}
	after, err := m.countTiles(ctx, rangesetID, chunkID)
	if err != nil {
		return 0, err
	}

	inserted := after - before
	m.log.Infow("backfilled tiles for chunk", "chunk_id", chunkID, "count", inserted)
	return inserted, nil
}

func (m *Manager) countTiles(ctx context.Context, rangesetID, chunkID int64) (int, error) {
	row := m.db.QueryRowContext(ctx, `SELECT count(*) FROM `+store.TableTiles+` WHERE rangeset_id=? AND chunk_id=?`, rangesetID, chunkID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// BackfillMissing finds every terminal chunk with a pubkey but no tiles at
// all (checked via a NOT EXISTS correlated subquery) and backfills each.
func (m *Manager) BackfillMissing(ctx context.Context, rangesetID int64) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id, c.pubkey, c.start_dec, c.end_dec, c.status
		FROM `+store.TableChunks+` c
		WHERE c.rangeset_id = ?
		  AND c.status IN (?, ?)
		  AND c.pubkey IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM `+store.TableTiles+` t WHERE t.chunk_id = c.id)
	`, rangesetID, store.ChunkDone, store.ChunkFound)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id                 int64
		pubkey, start, end string
		found              bool
	}
	var work []pending
	func() {
		defer rows.Close()
		for rows.Next() {
			var p pending
			var pubkey sql.NullString
			var status string
			if err := rows.Scan(&p.id, &pubkey, &p.start, &p.end, &status); err != nil {
				continue
			}
			p.pubkey = pubkey.String
			p.found = status == store.ChunkFound
			work = append(work, p)
		}
	}()

	total := 0
	for _, p := range work {
		n, err := m.BackfillChunk(ctx, p.pubkey, p.start, p.end, rangesetID, p.id, p.found)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/tiling"
)

// ensureTilesSchema applies the tiles DDL, then rebuilds the table from
// scratch (inside one transaction, rolled back on any failure; it is a
// plain deferred BEGIN, so the write lock is taken by its first statement
// rather than up front) if
// an older schema is missing the pubkey column or the (pubkey, level,
// start_hex) uniqueness constraint — mirrors orch.py's
// _migrate_tiles_add_pubkey_if_needed.
func (s *Store) ensureTilesSchema(ctx context.Context) error {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, TableTiles)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		if _, err := s.db.ExecContext(ctx, ddlTiles); err != nil {
			return fmt.Errorf("store: creating tiles table: %w", err)
		}
		_, err := s.db.ExecContext(ctx, ddlTileIndexes)
		return err
	}

	cols, err := tableColumns(ctx, s.db, TableTiles)
	if err != nil {
		return err
	}
	hasUniqueOnPubkey, err := tilesHaveCompositeUnique(ctx, s.db)
	if err != nil {
		return err
	}
	if cols["pubkey"] && hasUniqueOnPubkey {
		_, err := s.db.ExecContext(ctx, ddlTileIndexes)
		return err
	}

	s.log.Warnw("tiles table predates the per-pubkey unique constraint; rebuilding")
	return s.rebuildTilesTable(ctx, cols)
}

func tilesHaveCompositeUnique(ctx context.Context, db *sql.DB) (bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT sql FROM sqlite_master WHERE type='table' AND name=?`, TableTiles)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var sqlText sql.NullString
		if err := rows.Scan(&sqlText); err != nil {
			return false, err
		}
		if strings.Contains(sqlText.String, "UNIQUE(pubkey, level, start_hex)") {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) rebuildTilesTable(ctx context.Context, oldCols map[string]bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE `+TableTiles+` RENAME TO tiles_old_migrate`); err != nil {
		return fmt.Errorf("store: renaming old tiles table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ddlTiles); err != nil {
		return fmt.Errorf("store: creating new tiles table: %w", err)
	}

	selectPubkey := "NULL"
	if oldCols["pubkey"] {
		selectPubkey = "pubkey"
	}
	copySQL := fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id)
		SELECT %s, level, start_hex, status, lease_ts, rangeset_id, chunk_id FROM tiles_old_migrate
	`, TableTiles, selectPubkey)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("store: copying tiles rows forward: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE tiles_old_migrate`); err != nil {
		return fmt.Errorf("store: dropping old tiles table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ddlTileIndexes); err != nil {
		return err
	}
	return tx.Commit()
}

// Tile is a single coverage cell in the per-pubkey hierarchical tiling.
type Tile struct {
	ID         int64
	Pubkey     string
	Level      int
	StartHex   string
	Status     string
	LeaseTS    string
	RangeSetID sql.NullInt64
	ChunkID    sql.NullInt64
}

// InsertOutcome reports what happened when claiming a tile, mirroring
// orch.py's _insert_running_tile four-way result.
type InsertOutcome int

const (
	TileInserted InsertOutcome = iota
	TileStolenFromExpiredLease
	TileBusy
	TileCoveredByAncestor
)

// tileRow fetches a single tile by its natural key, if present.
func tileRow(ctx context.Context, q querier, pubkey string, level int, startHex string) (*Tile, error) {
	row := q.QueryRowContext(ctx, `SELECT id, pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id
		FROM `+TableTiles+` WHERE pubkey=? AND level=? AND start_hex=?`, pubkey, level, startHex)
	var t Tile
	if err := row.Scan(&t.ID, &t.Pubkey, &t.Level, &t.StartHex, &t.Status, &t.LeaseTS, &t.RangeSetID, &t.ChunkID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// leaseIsFresh reports whether a running tile's lease_ts is still within
// leaseTTL of now.
func leaseIsFresh(leaseTS string, leaseTTL time.Duration) bool {
	ts, err := time.Parse(time.RFC3339, leaseTS)
	return err == nil && time.Now().UTC().Sub(ts) < leaseTTL
}

// ancestorActiveStatus walks levels coarser than level looking for an
// ancestor tile of (pubkey, level, startHex). It returns TileDone/TileFound
// if a terminal ancestor covers this address outright, TileRunning if a
// coarser claim is still live (fresh lease), or "" if no ancestor is
// currently active (including one whose lease has expired, which is
// treated as though it were never claimed) — orch.py's
// _ancestor_active_status.
func ancestorActiveStatus(ctx context.Context, q querier, pubkey string, level int, startHex string, levels []int, leaseTTL time.Duration) (string, error) {
	for _, ancestorLevel := range levels {
		if ancestorLevel <= level {
			continue
		}
		ancestorHex, err := tiling.ParentHex(level, startHex, ancestorLevel)
		if err != nil {
			return "", err
		}
		row, err := tileRow(ctx, q, pubkey, ancestorLevel, ancestorHex)
		if err != nil {
			return "", err
		}
		if row == nil {
			continue
		}
		switch row.Status {
		case TileDone, TileFound:
			return row.Status, nil
		case TileRunning:
			if leaseIsFresh(row.LeaseTS, leaseTTL) {
				return TileRunning, nil
			}
		}
	}
	return "", nil
}

// anyChildActiveStatus reports the status of an immediate child of (pubkey,
// level, startHex) if one is currently active — a running child with an
// expired lease is treated as absent, matching ancestorActiveStatus's
// lease-freshness rule — orch.py's _any_child_exists.
func anyChildActiveStatus(ctx context.Context, q querier, pubkey string, level int, startHex string, leaseTTL time.Duration) (string, error) {
	if level < 4 {
		return "", nil
	}
	head, tailZeros, err := tiling.ChildGlobPrefix(level, startHex)
	if err != nil {
		return "", err
	}
	pattern := head + "_" + strings.Repeat("0", tailZeros)
	rows, err := q.QueryContext(ctx, `SELECT status, lease_ts FROM `+TableTiles+`
		WHERE pubkey=? AND level=? AND start_hex LIKE ?`, pubkey, level-4, pattern)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	for rows.Next() {
		var status, leaseTS string
		if err := rows.Scan(&status, &leaseTS); err != nil {
			return "", err
		}
		if status == TileRunning && !leaseIsFresh(leaseTS, leaseTTL) {
			continue
		}
		return status, nil
	}
	return "", rows.Err()
}

// InsertRunningTile attempts to claim (pubkey, level, startHex) as running,
// ported from orch.py's _insert_running_tile: an active ancestor (terminal,
// or running with a fresh lease) covers this tile (covered, no insert); an
// active finer-level child already present blocks the claim (also
// reported as covered); an existing row with an expired lease is stolen in
// place; any other existing row is busy; otherwise the row is freshly
// inserted. This is the leaf primitive the canonical-tiling walk
// (claimTileRecursive) calls once it has established there is no coarser
// or finer claim in the way; it re-checks both here too so it remains
// correct when called directly (as the test suite does).
func InsertRunningTile(ctx context.Context, q querier, leaseTTL time.Duration, pubkey string, level int, startHex string, levels []int, rangesetID, chunkID int64) (InsertOutcome, error) {
	ancStatus, err := ancestorActiveStatus(ctx, q, pubkey, level, startHex, levels, leaseTTL)
	if err != nil {
		return 0, err
	}
	if ancStatus != "" {
		return TileCoveredByAncestor, nil
	}
	childStatus, err := anyChildActiveStatus(ctx, q, pubkey, level, startHex, leaseTTL)
	if err != nil {
		return 0, err
	}
	if childStatus != "" {
		return TileCoveredByAncestor, nil
	}

	existing, err := tileRow(ctx, q, pubkey, level, startHex)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		if existing.Status != TileRunning {
			return TileBusy, nil
		}
		if leaseIsFresh(existing.LeaseTS, leaseTTL) {
			return TileBusy, nil
		}
		_, err := q.ExecContext(ctx, `UPDATE `+TableTiles+` SET lease_ts=?, rangeset_id=?, chunk_id=? WHERE id=?`,
			rangelog.NowUTC(), rangesetID, chunkID, existing.ID)
		if err != nil {
			return 0, err
		}
		return TileStolenFromExpiredLease, nil
	}

	_, err = q.ExecContext(ctx, `INSERT INTO `+TableTiles+`
		(pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id) VALUES (?,?,?,?,?,?,?)`,
		pubkey, level, startHex, TileRunning, rangelog.NowUTC(), rangesetID, chunkID)
	if err != nil {
		return 0, fmt.Errorf("store: %w: %v", ErrClaimContention, err)
	}
	return TileInserted, nil
}

// normalizeLevels dedupes and sorts tile levels coarsest-first (descending),
// mirroring orch.py's `sorted(set(tile_levels), reverse=True)`.
func normalizeLevels(levels []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(levels))
	for _, l := range levels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// claimTileRecursive is the canonical largest-first tiling recursion
// (spec.md §4.4's coverTiles): it walks [start, end] (inclusive) at
// levels[levelIdx], recursing to the next finer level for any partial
// head/tail remainder, any tile whose ancestor is still actively claimed,
// any tile with an already-present child, and any tile that lost the
// insert race — only attempting InsertRunningTile on an address with
// neither an active ancestor nor an active child. Ported from orch.py's
// _claim_tile_recursive.
func claimTileRecursive(ctx context.Context, q querier, levels []int, levelIdx int, start, end *uint256.Int, leaseTTL time.Duration, pubkey string, rangesetID, chunkID int64) ([]string, error) {
	if levelIdx >= len(levels) {
		return nil, nil
	}
	level := levels[levelIdx]
	size := tiling.SizeOf(level)
	var claimed []string

	cur := new(uint256.Int).Set(start)
	headAlign := tiling.CeilAlignUp(cur, level)
	if cur.Cmp(headAlign) < 0 && cur.Cmp(end) <= 0 {
		partialEnd := new(uint256.Int).Set(end)
		headMinusOne := new(uint256.Int).SubUint64(headAlign, 1)
		if headMinusOne.Cmp(end) < 0 {
			partialEnd = headMinusOne
		}
		sub, err := claimTileRecursive(ctx, q, levels, levelIdx+1, cur, partialEnd, leaseTTL, pubkey, rangesetID, chunkID)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, sub...)
		cur = headAlign
	}

	for {
		tileEnd := new(uint256.Int).Add(cur, size)
		tileEnd.SubUint64(tileEnd, 1)
		if tileEnd.Cmp(end) > 0 {
			break
		}
		hex := tiling.Hex64Upper(tiling.AlignDown(cur, level))

		ancStatus, err := ancestorActiveStatus(ctx, q, pubkey, level, hex, levels, leaseTTL)
		if err != nil {
			return claimed, err
		}
		if ancStatus == TileDone || ancStatus == TileFound {
			cur = new(uint256.Int).Add(cur, size)
			continue
		}
		if ancStatus == TileRunning {
			sub, err := claimTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, leaseTTL, pubkey, rangesetID, chunkID)
			if err != nil {
				return claimed, err
			}
			claimed = append(claimed, sub...)
			cur = new(uint256.Int).Add(cur, size)
			continue
		}

		childStatus, err := anyChildActiveStatus(ctx, q, pubkey, level, hex, leaseTTL)
		if err != nil {
			return claimed, err
		}
		if childStatus != "" {
			sub, err := claimTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, leaseTTL, pubkey, rangesetID, chunkID)
			if err != nil {
				return claimed, err
			}
			claimed = append(claimed, sub...)
			cur = new(uint256.Int).Add(cur, size)
			continue
		}

		outcome, err := InsertRunningTile(ctx, q, leaseTTL, pubkey, level, hex, levels, rangesetID, chunkID)
		if err != nil {
			return claimed, err
		}
		if outcome == TileInserted || outcome == TileStolenFromExpiredLease {
			claimed = append(claimed, hex)
			cur = new(uint256.Int).Add(cur, size)
			continue
		}
		// busy or covered by a race that slipped in since the checks above:
		// split and recurse to the next finer level instead of giving up.
		sub, err := claimTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, leaseTTL, pubkey, rangesetID, chunkID)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, sub...)
		cur = new(uint256.Int).Add(cur, size)
	}

	if cur.Cmp(end) <= 0 {
		sub, err := claimTileRecursive(ctx, q, levels, levelIdx+1, cur, end, leaseTTL, pubkey, rangesetID, chunkID)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, sub...)
	}

	return claimed, nil
}

// ClaimTilesForChunk claims the canonical tiling covering the half-open
// range [start, end) for pubkey, attempting the coarsest configured level
// first and only splitting into finer levels where a coarser claim is
// blocked or the range doesn't align — spec.md §4.4's coverTiles. It
// returns every tile address successfully claimed (freshly inserted or
// stolen from an expired lease) at whichever level each piece landed on.
func ClaimTilesForChunk(ctx context.Context, q querier, leaseTTL time.Duration, pubkey string, levels []int, start, end *uint256.Int, rangesetID, chunkID int64) ([]string, error) {
	levels = normalizeLevels(levels)
	if len(levels) == 0 {
		return nil, fmt.Errorf("store: no tile levels configured")
	}
	if start.Cmp(end) >= 0 {
		return nil, nil
	}
	endInclusive := new(uint256.Int).SubUint64(end, 1)
	return claimTileRecursive(ctx, q, levels, 0, start, endInclusive, leaseTTL, pubkey, rangesetID, chunkID)
}

// insertTerminalTile inserts (pubkey, level, startHex) directly as status
// (done/found), used by the backfill seal walk instead of InsertRunningTile
// since no lease negotiation applies to history that already happened.
// Mirrors orch.py's _insert_tile_status.
func insertTerminalTile(ctx context.Context, q querier, pubkey string, level int, startHex, status string, rangesetID, chunkID int64) (string, error) {
	_, err := q.ExecContext(ctx, `INSERT INTO `+TableTiles+`
		(pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id) VALUES (?,?,?,?,?,?,?)`,
		pubkey, level, startHex, status, rangelog.NowUTC(), rangesetID, chunkID)
	if err == nil {
		return "inserted", nil
	}
	if !isUniqueViolation(err) {
		return "", err
	}
	existing, rowErr := tileRow(ctx, q, pubkey, level, startHex)
	if rowErr != nil {
		return "", rowErr
	}
	if existing == nil {
		return "race", nil
	}
	if existing.Status == TileDone || existing.Status == TileFound {
		return "covered", nil
	}
	return "conflict-running", nil
}

// sealTileRecursive is backfill's counterpart to claimTileRecursive: the
// same ancestor/child triage walk, but terminal tiles are inserted
// directly with final status instead of negotiated as running leases.
// Ported from orch.py's _seal_tile_recursive.
func sealTileRecursive(ctx context.Context, q querier, levels []int, levelIdx int, start, end *uint256.Int, status, pubkey string, rangesetID, chunkID int64, leaseTTL time.Duration) error {
	if levelIdx >= len(levels) {
		return nil
	}
	level := levels[levelIdx]
	size := tiling.SizeOf(level)

	cur := new(uint256.Int).Set(start)
	headAlign := tiling.CeilAlignUp(cur, level)
	if cur.Cmp(headAlign) < 0 && cur.Cmp(end) <= 0 {
		partialEnd := new(uint256.Int).Set(end)
		headMinusOne := new(uint256.Int).SubUint64(headAlign, 1)
		if headMinusOne.Cmp(end) < 0 {
			partialEnd = headMinusOne
		}
		if err := sealTileRecursive(ctx, q, levels, levelIdx+1, cur, partialEnd, status, pubkey, rangesetID, chunkID, leaseTTL); err != nil {
			return err
		}
		cur = headAlign
	}

	for {
		tileEnd := new(uint256.Int).Add(cur, size)
		tileEnd.SubUint64(tileEnd, 1)
		if tileEnd.Cmp(end) > 0 {
			break
		}
		hex := tiling.Hex64Upper(tiling.AlignDown(cur, level))

		ancStatus, err := ancestorActiveStatus(ctx, q, pubkey, level, hex, levels, leaseTTL)
		if err != nil {
			return err
		}
		if ancStatus == TileDone || ancStatus == TileFound {
			cur = new(uint256.Int).Add(cur, size)
			continue
		}
		if ancStatus == TileRunning {
			if err := sealTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, status, pubkey, rangesetID, chunkID, leaseTTL); err != nil {
				return err
			}
			cur = new(uint256.Int).Add(cur, size)
			continue
		}

		childStatus, err := anyChildActiveStatus(ctx, q, pubkey, level, hex, leaseTTL)
		if err != nil {
			return err
		}
		if childStatus != "" {
			if err := sealTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, status, pubkey, rangesetID, chunkID, leaseTTL); err != nil {
				return err
			}
			cur = new(uint256.Int).Add(cur, size)
			continue
		}

		res, err := insertTerminalTile(ctx, q, pubkey, level, hex, status, rangesetID, chunkID)
		if err != nil {
			return err
		}
		switch res {
		case "inserted", "covered", "race":
			cur = new(uint256.Int).Add(cur, size)
			continue
		case "conflict-running":
			if err := sealTileRecursive(ctx, q, levels, levelIdx+1, cur, tileEnd, status, pubkey, rangesetID, chunkID, leaseTTL); err != nil {
				return err
			}
			cur = new(uint256.Int).Add(cur, size)
			continue
		}
	}

	if cur.Cmp(end) <= 0 {
		return sealTileRecursive(ctx, q, levels, levelIdx+1, cur, end, status, pubkey, rangesetID, chunkID, leaseTTL)
	}
	return nil
}

// SealTilesForChunk reconstructs terminal tiling over the half-open range
// [start, end) using the same ancestor/child/insert triage as
// ClaimTilesForChunk, used by backfill to seed already-terminal tiles for
// chunks that finished before tiling was tracked — spec.md §4.4's backfill.
func SealTilesForChunk(ctx context.Context, q querier, leaseTTL time.Duration, pubkey string, levels []int, start, end *uint256.Int, rangesetID, chunkID int64, status string) error {
	levels = normalizeLevels(levels)
	if len(levels) == 0 {
		return fmt.Errorf("store: no tile levels configured")
	}
	if start.Cmp(end) >= 0 {
		return nil
	}
	endInclusive := new(uint256.Int).SubUint64(end, 1)
	return sealTileRecursive(ctx, q, levels, 0, start, endInclusive, status, pubkey, rangesetID, chunkID, leaseTTL)
}

// RefreshTileLeases extends the lease on every tile the current process
// owns for rangesetID/chunkID so a slow-running worker isn't reaped out
// from under itself — see spec.md §5 on lease TTL vs. refresh cadence.
func RefreshTileLeases(ctx context.Context, q querier, rangesetID, chunkID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE `+TableTiles+` SET lease_ts=? WHERE rangeset_id=? AND chunk_id=? AND status=?`,
		rangelog.NowUTC(), rangesetID, chunkID, TileRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FinalizeTiles marks every running tile owned by (rangesetID, chunkID) as
// done or found depending on the chunk's outcome.
func FinalizeTiles(ctx context.Context, q querier, rangesetID, chunkID int64, found bool) (int64, error) {
	status := TileDone
	if found {
		status = TileFound
	}
	res, err := q.ExecContext(ctx, `UPDATE `+TableTiles+` SET status=? WHERE rangeset_id=? AND chunk_id=? AND status=?`,
		status, rangesetID, chunkID, TileRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReapExpiredTiles resets any tile still marked running whose lease has
// expired back to available (deletes the row; a fresh claim re-inserts
// it), so a crashed worker's claims don't permanently block progress.
func ReapExpiredTiles(ctx context.Context, q querier, leaseTTL time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-leaseTTL).Format(time.RFC3339Nano)
	res, err := q.ExecContext(ctx, `DELETE FROM `+TableTiles+` WHERE status=? AND julianday(lease_ts) < julianday(?)`, TileRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

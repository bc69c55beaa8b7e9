package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rangekeeper/orchestrator/internal/bigint"
	"github.com/rangekeeper/orchestrator/internal/rangelog"
)

// RangeSet is one (pubkey-independent) search-space configuration: a
// [min, max] decimal span tiled into 2^chunk_bits-wide chunks.
type RangeSet struct {
	ID             int64
	Name           string
	MinDec         string
	MaxDec         string
	ChunkBits      int
	NextIndex      string
	CfgFingerprint string
}

// AutoRangeSetName derives a stable, human-scannable name for a range-set
// that doesn't already have an operator-chosen one, mirroring orch.py's
// auto_rangeset_name: "band_" followed by the first 10 hex digits of the
// sha1 of "pubkey:min:max:bits".
func AutoRangeSetName(pubkey, minDec, maxDec string, chunkBits int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%s:%d", pubkey, minDec, maxDec, chunkBits)))
	return fmt.Sprintf("band_%x", sum)[:15]
}

// UpsertRangeSet finds or creates the range-set named name. If one already
// exists with the same cfg_fingerprint, its row is returned unchanged. If
// one exists with a *different* fingerprint:
//   - it has chunks and forceReinit=false: ErrFingerprintConflict (spec.md §7).
//   - otherwise (no chunks, or forceReinit=true): its chunks and tiles are
//     purged and its bounds are rewritten to match the new configuration
//     (orch.py's upsert_rangeset force-reinit path).
func UpsertRangeSet(ctx context.Context, db *sql.DB, name, minDec, maxDec string, chunkBits int, forceReinit bool) (*RangeSet, error) {
	fingerprint := bigint.Fingerprint(bigint.MustParseDecimal(minDec), bigint.MustParseDecimal(maxDec), uint(chunkBits))

	existing, err := RangeSetByName(ctx, db, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing == nil {
		return insertRangeSet(ctx, db, name, minDec, maxDec, chunkBits, fingerprint)
	}
	if existing.CfgFingerprint == fingerprint {
		return existing, nil
	}

	var chunkCount int
	row := db.QueryRowContext(ctx, `SELECT count(*) FROM `+TableChunks+` WHERE rangeset_id=?`, existing.ID)
	if err := row.Scan(&chunkCount); err != nil {
		return nil, err
	}
	if chunkCount > 0 && !forceReinit {
		return nil, fmt.Errorf("store: range-set %q: %w", name, ErrFingerprintConflict)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+TableTiles+` WHERE rangeset_id=?`, existing.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+TableChunks+` WHERE rangeset_id=?`, existing.ID); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE `+TableRangeSets+`
		SET min_dec=?, max_dec=?, chunk_bits=?, next_index='0', cfg_fingerprint=?
		WHERE id=?`, minDec, maxDec, chunkBits, fingerprint, existing.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return RangeSetByName(ctx, db, name)
}

func insertRangeSet(ctx context.Context, db *sql.DB, name, minDec, maxDec string, chunkBits int, fingerprint string) (*RangeSet, error) {
	_, err := db.ExecContext(ctx, `INSERT INTO `+TableRangeSets+`
		(name, min_dec, max_dec, chunk_bits, next_index, created_ts, cfg_fingerprint)
		VALUES (?,?,?,?,'0',?,?)`, name, minDec, maxDec, chunkBits, rangelog.NowUTC(), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("store: inserting range-set %q: %w", name, err)
	}
	return RangeSetByName(ctx, db, name)
}

// RangeSetByName looks up a range-set by its unique name.
func RangeSetByName(ctx context.Context, db *sql.DB, name string) (*RangeSet, error) {
	row := db.QueryRowContext(ctx, `SELECT id, name, min_dec, max_dec, chunk_bits, next_index, cfg_fingerprint
		FROM `+TableRangeSets+` WHERE name=?`, name)
	var rs RangeSet
	var fp sql.NullString
	if err := row.Scan(&rs.ID, &rs.Name, &rs.MinDec, &rs.MaxDec, &rs.ChunkBits, &rs.NextIndex, &fp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rs.CfgFingerprint = fp.String
	return &rs, nil
}

// AdvanceNextIndex sets the sequential picker's cursor for rangesetID to
// idx, stored as decimal text since chunk counts can exceed 2^63 for wide
// ranges with small chunk_bits.
func AdvanceNextIndex(ctx context.Context, db *sql.DB, rangesetID int64, idx string) error {
	_, err := db.ExecContext(ctx, `UPDATE `+TableRangeSets+` SET next_index=? WHERE id=?`, idx, rangesetID)
	return err
}

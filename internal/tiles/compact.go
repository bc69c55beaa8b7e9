package tiles

import (
	"context"
	"database/sql"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
	"github.com/rangekeeper/orchestrator/internal/store"
	"github.com/rangekeeper/orchestrator/internal/tiling"
)

// CompactOnce walks every adjacent pair of configured levels, finest pair
// first. At each level it groups terminal (done/found) tiles by (pubkey,
// parent address) and, wherever all 16 siblings under a parent are present
// and terminal, collapses them into a single terminal tile at the next
// coarser configured level — spec.md §4.4's compaction operation. It
// returns how many parent tiles were created this pass, over all levels.
func (m *Manager) CompactOnce(ctx context.Context) (int, error) {
	collapsed := 0
	for i := len(m.levels) - 1; i > 0; i-- {
		level := m.levels[i]
		parentLevel := m.levels[i-1]
		n, err := m.compactLevel(ctx, level, parentLevel)
		if err != nil {
			return collapsed, err
		}
		collapsed += n
	}
	return collapsed, nil
}

// CompactAll loops CompactOnce until a pass produces no further
// collapses, matching orch.py's compact_tiles driver.
func (m *Manager) CompactAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := m.CompactOnce(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

type siblingGroup struct {
	pubkey   string
	head     string
	children []store.Tile
}

func (m *Manager) compactLevel(ctx context.Context, level, parentLevel int) (int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id
		FROM `+store.TableTiles+` WHERE level=? AND status IN (?,?)`, level, store.TileDone, store.TileFound)
	if err != nil {
		return 0, err
	}
	groups := map[string]*siblingGroup{}
	func() {
		defer rows.Close()
		for rows.Next() {
			var t store.Tile
			if err := rows.Scan(&t.ID, &t.Pubkey, &t.Level, &t.StartHex, &t.Status, &t.LeaseTS, &t.RangeSetID, &t.ChunkID); err != nil {
				continue
			}
			head, parentErr := tiling.ParentHex(level, t.StartHex, parentLevel)
			if parentErr != nil {
				continue
			}
			key := t.Pubkey + "|" + head
			g, ok := groups[key]
			if !ok {
				g = &siblingGroup{pubkey: t.Pubkey, head: head}
				groups[key] = g
			}
			g.children = append(g.children, t)
		}
	}()

	const siblingsPerParent = 16

	collapsed := 0
	for _, g := range groups {
		if len(g.children) != siblingsPerParent {
			continue
		}
		anyFound := false
		for _, c := range g.children {
			if c.Status == store.TileFound {
				anyFound = true
			}
		}
		ok, err := m.collapseGroup(ctx, g, parentLevel, anyFound)
		if err != nil {
			return collapsed, err
		}
		if ok {
			collapsed++
		}
	}
	return collapsed, nil
}

// collapseGroup folds g's 16 terminal siblings into a single terminal tile
// at parentLevel, unless a parent row already exists there and is
// currently running — a live coarser-level claim's lease must not be
// clobbered by a sibling group that happened to finish underneath it, so
// that case is skipped entirely this pass (orch.py's _compact_once: "if
// existing["status"] == "running": continue").
func (m *Manager) collapseGroup(ctx context.Context, g *siblingGroup, parentLevel int, found bool) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingStatus string
	row := tx.QueryRowContext(ctx, `SELECT status FROM `+store.TableTiles+` WHERE pubkey=? AND level=? AND start_hex=?`,
		g.pubkey, parentLevel, g.head)
	switch err := row.Scan(&existingStatus); {
	case err == nil:
		if existingStatus == store.TileRunning {
			return false, nil
		}
	case err == sql.ErrNoRows:
		// no existing parent row; proceed.
	default:
		return false, err
	}

	status := store.TileDone
	if found {
		status = store.TileFound
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO `+store.TableTiles+`
		(pubkey, level, start_hex, status, lease_ts, rangeset_id, chunk_id)
		VALUES (?,?,?,?,?,NULL,NULL)`, g.pubkey, parentLevel, g.head, status, rangelog.NowUTC())
	if err != nil {
		return false, err
	}
	for _, c := range g.children {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+store.TableTiles+` WHERE id=?`, c.ID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

package picker

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/rangekeeper/orchestrator/internal/store"
)

// pickEntropy always attacks the largest unclaimed gap among already-claimed
// chunks (orch.py's pick_entropy), so search pressure spreads evenly across
// the range instead of clustering. When the range fits in 32 bits the
// claimed set is tracked with a RoaringBitmap for compact gap/complement
// computation; wider ranges fall back to a sorted-interval scan over
// big.Int bounds, since a roaring bitmap cannot address a space wider than
// uint32.
func pickEntropy(ctx context.Context, db *sql.DB, opts Options) (*store.Chunk, error) {
	if resumed, err := resumeRunningChunk(ctx, db, opts); err != nil {
		return nil, err
	} else if resumed != nil {
		return resumed, nil
	}
	if opts.TotalChunks.IsUint64() && opts.TotalChunks.Uint64() <= uint64(^uint32(0)) {
		return tryGapAndNeighbors(ctx, db, opts, bitmapGap)
	}
	return tryGapAndNeighbors(ctx, db, opts, bigRangeGap)
}

func claimedIndexes(ctx context.Context, db *sql.DB, rangesetID int64) ([]*big.Int, error) {
	rows, err := db.QueryContext(ctx, `SELECT chunk_index FROM `+store.TableChunks+` WHERE rangeset_id=?`, rangesetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*big.Int
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			continue
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// gapFinder recomputes the current largest unclaimed gap and returns its
// midpoint target along with the gap's inclusive [l, r] bounds, used to
// clamp the midpoint's neighbor attempts. mid is nil when the range is
// fully claimed.
type gapFinder func(ctx context.Context, db *sql.DB, opts Options) (mid, l, r *big.Int, err error)

// tryGapAndNeighbors attempts the gap's midpoint, then its two neighbors
// clamped to the gap's bounds; on total contention it reloads the claimed
// set and repeats the same three-way attempt once more before finally
// falling back to pickRandom — spec.md §4.3 line 94 / orch.py's
// pick_entropy.
func tryGapAndNeighbors(ctx context.Context, db *sql.DB, opts Options, find gapFinder) (*store.Chunk, error) {
	for round := 0; round < 2; round++ {
		mid, l, r, err := find(ctx, db, opts)
		if err != nil {
			return nil, err
		}
		if mid == nil {
			break
		}
		for _, cand := range gapCandidates(mid, l, r) {
			c, err := claimAt(ctx, db, opts, cand)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, store.ErrClaimContention) {
				return nil, err
			}
		}
	}
	return pickRandom(ctx, db, opts)
}

func clampBig(v, lo, hi *big.Int) *big.Int {
	if v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(v)
}

// gapCandidates returns mid, then its left and right neighbor each clamped
// to [l, r] — the midpoint plus its two neighbors from spec.md line 94.
func gapCandidates(mid, l, r *big.Int) []*big.Int {
	one := big.NewInt(1)
	left := clampBig(new(big.Int).Sub(mid, one), l, r)
	right := clampBig(new(big.Int).Add(mid, one), l, r)
	return []*big.Int{new(big.Int).Set(mid), left, right}
}

func bitmapGap(ctx context.Context, db *sql.DB, opts Options) (mid, l, r *big.Int, err error) {
	claimed, err := claimedIndexes(ctx, db, opts.RangeSet.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	bm := roaring.New()
	for _, idx := range claimed {
		bm.Add(uint32(idx.Uint64()))
	}

	total := uint32(opts.TotalChunks.Uint64())
	if bm.IsEmpty() {
		m := total / 2
		return big.NewInt(int64(m)), big.NewInt(0), big.NewInt(int64(total - 1)), nil
	}

	full := roaring.New()
	full.AddRange(0, uint64(total))
	complement := roaring.AndNot(full, bm)
	if complement.IsEmpty() {
		return nil, nil, nil, nil
	}

	gapStart, gapLen := largestRunBitmap(complement, total)
	gapEnd := gapStart + gapLen - 1
	m := gapStart + gapLen/2
	return big.NewInt(int64(m)), big.NewInt(int64(gapStart)), big.NewInt(int64(gapEnd)), nil
}

// largestRunBitmap scans the complement bitmap's sorted values for the
// longest run of consecutive set bits and returns its start and length.
func largestRunBitmap(complement *roaring.Bitmap, total uint32) (start, length uint32) {
	it := complement.Iterator()
	var runStart, runLen, bestStart, bestLen uint32
	var prev uint32
	first := true
	for it.HasNext() {
		v := it.Next()
		if first {
			runStart, runLen = v, 1
			first = false
		} else if v == prev+1 {
			runLen++
		} else {
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
			runStart, runLen = v, 1
		}
		prev = v
	}
	if runLen > bestLen {
		bestStart, bestLen = runStart, runLen
	}
	return bestStart, bestLen
}

// bigRangeGap is the arbitrary-precision fallback: it builds the sorted
// list of claimed intervals directly from the ledger and finds the widest
// gap between them without ever materializing a bitmap.
func bigRangeGap(ctx context.Context, db *sql.DB, opts Options) (mid, l, r *big.Int, err error) {
	claimed, err := claimedIndexes(ctx, db, opts.RangeSet.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(claimed) == 0 {
		m := new(big.Int).Div(opts.TotalChunks, big.NewInt(2))
		return m, big.NewInt(0), new(big.Int).Sub(opts.TotalChunks, big.NewInt(1)), nil
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Cmp(claimed[j]) < 0 })

	one := big.NewInt(1)
	bestGapStart := big.NewInt(0)
	bestGapLen := new(big.Int).Set(claimed[0])

	prevEnd := big.NewInt(-1)
	for _, idx := range claimed {
		gapLen := new(big.Int).Sub(idx, prevEnd)
		gapLen.Sub(gapLen, one)
		if gapLen.Cmp(bestGapLen) > 0 {
			bestGapLen = gapLen
			bestGapStart = new(big.Int).Add(prevEnd, one)
		}
		prevEnd = idx
	}
	tailGap := new(big.Int).Sub(opts.TotalChunks, new(big.Int).Add(prevEnd, one))
	if tailGap.Cmp(bestGapLen) > 0 {
		bestGapLen = tailGap
		bestGapStart = new(big.Int).Add(prevEnd, one)
	}
	if bestGapLen.Sign() <= 0 {
		return nil, nil, nil, nil
	}

	gapEnd := new(big.Int).Sub(new(big.Int).Add(bestGapStart, bestGapLen), one)
	m := new(big.Int).Add(bestGapStart, new(big.Int).Div(bestGapLen, big.NewInt(2)))
	return m, bestGapStart, gapEnd, nil
}

func claimAt(ctx context.Context, db *sql.DB, opts Options, idx *big.Int) (*store.Chunk, error) {
	startDec, endDec := chunkBounds(opts, idx)
	return store.TryInsertChunk(ctx, db, opts.RangeSet.ID, idx.String(), startDec, endDec)
}

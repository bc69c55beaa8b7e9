// Package rules implements the digit-pattern validity filter used by the
// sequential-with-rules chunk picker: the smallest N >= start within
// [lo, hi] whose decimal representation satisfies four overlapping-window
// constraints. Ported from the reference orchestrator's rules.py, which
// uses a tight-bound digit DFS with fixed-size occurrence counters; this
// is a pure combinatorial algorithm with no natural library seam, so unlike
// the rest of this repository it stays on the standard library.
package rules

import (
	"errors"
	"math/big"
)

// ErrInvalidBounds is returned when lo > hi.
var ErrInvalidBounds = errors.New("rules: invalid bounds: lo > hi")

// NextValidGE returns the smallest integer N such that lo <= N <= hi and
// N >= start, satisfying all four rules below, or (nil, nil) if no such
// number exists in range. It returns an error only for invalid bounds.
//
// Rules (overlapping windows over the decimal digits, left-padded to the
// width of hi):
//  1. No digit repeated 5 times consecutively.
//  2. Each 3-digit window value appears at most 3 times total.
//  3. Each 5-digit window that is a strictly monotonic run (step +1 or -1)
//     appears at most 2 times total.
//  4. Each 5-digit window that is a palindrome (d0=d4, d1=d3) appears at
//     most 2 times total.
func NextValidGE(start, lo, hi *big.Int) (*big.Int, error) {
	if lo.Cmp(hi) > 0 {
		return nil, ErrInvalidBounds
	}
	if start.Cmp(lo) < 0 {
		start = lo
	}
	if start.Cmp(hi) > 0 {
		return nil, nil
	}

	width := len(hi.String())
	loDigits, err := digitsOf(start, width)
	if err != nil {
		return nil, err
	}
	hiDigits, err := digitsOf(hi, width)
	if err != nil {
		return nil, err
	}

	d := &dfsState{
		width:    width,
		loDigits: loDigits,
		hiDigits: hiDigits,
		res:      make([]int, width),
	}
	for i := range d.res {
		d.res[i] = -1
	}
	if !d.search(0, true, true, -1, 0) {
		return nil, nil
	}

	out := new(big.Int)
	ten := big.NewInt(10)
	for _, digit := range d.res {
		out.Mul(out, ten)
		out.Add(out, big.NewInt(int64(digit)))
	}
	return out, nil
}

func digitsOf(n *big.Int, width int) ([]int, error) {
	s := n.String()
	if len(s) > width {
		return nil, errors.New("rules: number does not fit in the specified width")
	}
	out := make([]int, width)
	pad := width - len(s)
	for i, ch := range s {
		out[pad+i] = int(ch - '0')
	}
	return out, nil
}

// dfsState carries the tight-bound digit DFS's mutable search state: the
// three pattern-occurrence counters (sized exactly as the Python reference
// sizes them: 10^3 and 10^5 possible windows) plus the output buffer.
type dfsState struct {
	width    int
	loDigits []int
	hiDigits []int
	res      []int

	cnt3    [1000]int
	cnt5Seq [100000]int
	cnt5Pal [100000]int
}

func (d *dfsState) search(pos int, tightLo, tightHi bool, lastDigit, runLen int) bool {
	if pos == d.width {
		return true
	}

	lowD := 0
	if tightLo {
		lowD = d.loDigits[pos]
	}
	highD := 9
	if tightHi {
		highD = d.hiDigits[pos]
	}

	for digit := lowD; digit <= highD; digit++ {
		newRun := 1
		if digit == lastDigit {
			newRun = runLen + 1
		}
		if newRun >= 5 {
			continue // rule 1
		}

		var id3, id5 int
		haveID3, haveID5 := false, false
		incSeq, incPal := false, false

		if pos >= 2 {
			a, b := d.res[pos-2], d.res[pos-1]
			id3 = a*100 + b*10 + digit
			haveID3 = true
			if d.cnt3[id3] >= 3 {
				continue // rule 2
			}
		}

		var inc, dec, pal bool
		if pos >= 4 {
			a, b, c, e := d.res[pos-4], d.res[pos-3], d.res[pos-2], d.res[pos-1]
			inc = b == a+1 && c == b+1 && e == c+1 && digit == e+1
			dec = b == a-1 && c == b-1 && e == c-1 && digit == e-1
			pal = a == digit && b == e
			id5 = (((a*10+b)*10+c)*10+e)*10 + digit
			haveID5 = true
			if (inc || dec) && d.cnt5Seq[id5] >= 2 {
				continue // rule 3
			}
			if pal && d.cnt5Pal[id5] >= 2 {
				continue // rule 4
			}
		}

		if haveID3 {
			d.cnt3[id3]++
		}
		if haveID5 {
			if inc || dec {
				d.cnt5Seq[id5]++
				incSeq = true
			}
			if pal {
				d.cnt5Pal[id5]++
				incPal = true
			}
		}

		d.res[pos] = digit
		if d.search(pos+1, tightLo && digit == d.loDigits[pos], tightHi && digit == d.hiDigits[pos], digit, newRun) {
			return true
		}

		d.res[pos] = -1
		if haveID3 {
			d.cnt3[id3]--
		}
		if incSeq {
			d.cnt5Seq[id5]--
		}
		if incPal {
			d.cnt5Pal[id5]--
		}
	}

	return false
}

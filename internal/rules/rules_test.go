package rules

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func big_(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad test literal: " + s)
	}
	return n
}

func TestInvalidBounds(t *testing.T) {
	_, err := NextValidGE(big_("0"), big_("10"), big_("5"))
	require.ErrorIs(t, err, ErrInvalidBounds)
}

func TestNoRunOfFiveIdenticalDigits(t *testing.T) {
	// 11110 is fine (4 in a row) but we want to confirm 11111 is rejected
	// by asking for the next valid >= 11111 within a narrow window that
	// only contains runs of 5.
	v, err := NextValidGE(big_("11111"), big_("11111"), big_("11111"))
	require.NoError(t, err)
	require.Nil(t, v) // 11111 itself violates rule 1 and is the only candidate
}

func TestFindsFirstValidAtOrAboveStart(t *testing.T) {
	v, err := NextValidGE(big_("1110"), big_("1000"), big_("1999"))
	require.NoError(t, err)
	require.NotNil(t, v)
	require.True(t, v.Cmp(big_("1110")) >= 0)
	require.True(t, v.Cmp(big_("1999")) <= 0)
	requireSatisfiesRules(t, v, 4)
}

// P5: result satisfies all rules, and every integer in [s, result) violates
// at least one rule.
func TestP5AllSkippedAreInvalid(t *testing.T) {
	lo, hi := big_("10000"), big_("10200")
	start := big_("10000")
	v, err := NextValidGE(start, lo, hi)
	require.NoError(t, err)
	require.NotNil(t, v)
	requireSatisfiesRules(t, v, 5)

	for n := new(big.Int).Set(start); n.Cmp(v) < 0; n.Add(n, big.NewInt(1)) {
		require.False(t, satisfiesRules(n.String(), 5), "expected %s to violate at least one rule", n.String())
	}
}

func TestExhaustionReturnsNilNotError(t *testing.T) {
	// Every number in [1111100, 1111199] starts with five 1s, so rule 1
	// rejects all of them and no valid number exists in range.
	v, err := NextValidGE(big_("1111100"), big_("1111100"), big_("1111199"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func requireSatisfiesRules(t *testing.T, v *big.Int, width int) {
	t.Helper()
	s := v.String()
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	require.True(t, satisfiesRules(s, width), "expected %s to satisfy all rules", s)
}

// satisfiesRules is an independent, brute-force re-check of the four rules
// against a digit string, used only by tests to validate the DFS result.
func satisfiesRules(s string, _ int) bool {
	digits := make([]int, len(s))
	for i, ch := range s {
		digits[i] = int(ch - '0')
	}
	n := len(digits)

	// rule 1
	run := 1
	for i := 1; i < n; i++ {
		if digits[i] == digits[i-1] {
			run++
		} else {
			run = 1
		}
		if run >= 5 {
			return false
		}
	}

	// rule 2
	cnt3 := map[[3]int]int{}
	for i := 0; i+3 <= n; i++ {
		k := [3]int{digits[i], digits[i+1], digits[i+2]}
		cnt3[k]++
		if cnt3[k] > 3 {
			return false
		}
	}

	// rules 3 & 4
	cnt5seq := map[[5]int]int{}
	cnt5pal := map[[5]int]int{}
	for i := 0; i+5 <= n; i++ {
		w := [5]int{digits[i], digits[i+1], digits[i+2], digits[i+3], digits[i+4]}
		inc := w[1] == w[0]+1 && w[2] == w[1]+1 && w[3] == w[2]+1 && w[4] == w[3]+1
		dec := w[1] == w[0]-1 && w[2] == w[1]-1 && w[3] == w[2]-1 && w[4] == w[3]-1
		pal := w[0] == w[4] && w[1] == w[3]
		if inc || dec {
			cnt5seq[w]++
			if cnt5seq[w] > 2 {
				return false
			}
		}
		if pal {
			cnt5pal[w]++
			if cnt5pal[w] > 2 {
				return false
			}
		}
	}
	return true
}

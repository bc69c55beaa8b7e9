// Package worker spawns and supervises the kangaroo solver subprocess
// (spec.md §4.5): process-group isolation, signal escalation on shutdown,
// lease-refresh heartbeats, and parsing of its textual header/progress/
// found-key protocol.
package worker

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Header is the solver's one-line startup banner: the run parameters it
// actually launched with, which may differ from what was requested (e.g.
// a forced DP value) — spec.md §4.5 requires these to be echoed onto the
// chunk row verbatim.
type Header struct {
	Pubkey    string
	DP        int
	DPForced  bool
	Threads   int
	MaxStep   string
	RangeLo   string
	RangeHi   string
}

// Progress is one periodic status line: current/average speed and the
// dead-kangaroo counter used for expected-ops accounting.
type Progress struct {
	MkSNow float64
	MkSAvg float64
	Dead   int
}

// Found is emitted exactly once, when the solver recovers the private key.
type Found struct {
	PrivHex string
}

// ParseHeader parses a line of the form:
//   HEADER pubkey=02ab... dp=20 dp_forced=1 threads=4 max_step=2.0 range=[100,200]
func ParseHeader(line string) (*Header, error) {
	fields, err := keyValueFields(line, "HEADER")
	if err != nil {
		return nil, err
	}
	h := &Header{Pubkey: fields["pubkey"]}
	if v, ok := fields["dp"]; ok {
		h.DP, _ = strconv.Atoi(v)
	}
	if v, ok := fields["dp_forced"]; ok {
		h.DPForced = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := fields["threads"]; ok {
		h.Threads, _ = strconv.Atoi(v)
	}
	h.MaxStep = fields["max_step"]
	if r, ok := fields["range"]; ok {
		lo, hi, err := parseRangeBracket(r)
		if err != nil {
			return nil, err
		}
		h.RangeLo, h.RangeHi = lo, hi
	}
	if h.Pubkey == "" {
		return nil, fmt.Errorf("worker: header line missing pubkey: %q", line)
	}
	return h, nil
}

// ParseProgress parses a line of the form:
//   PROGRESS mk_s=12.50 mk_s_avg=11.80 dead=3
func ParseProgress(line string) (*Progress, error) {
	fields, err := keyValueFields(line, "PROGRESS")
	if err != nil {
		return nil, err
	}
	p := &Progress{}
	if v, ok := fields["mk_s"]; ok {
		p.MkSNow, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["mk_s_avg"]; ok {
		p.MkSAvg, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["dead"]; ok {
		p.Dead, _ = strconv.Atoi(v)
	}
	return p, nil
}

// ParseFound parses a line of the form:
//   FOUND priv=1a2b3c...
func ParseFound(line string) (*Found, error) {
	fields, err := keyValueFields(line, "FOUND")
	if err != nil {
		return nil, err
	}
	priv, ok := fields["priv"]
	if !ok || priv == "" {
		return nil, fmt.Errorf("worker: found line missing priv: %q", line)
	}
	return &Found{PrivHex: priv}, nil
}

// LineKind classifies a raw line from the solver's stdout so the caller
// can dispatch it without re-parsing.
type LineKind int

const (
	LineOther LineKind = iota
	LineHeader
	LineProgress
	LineFound
)

// Classify reports which protocol line kind, if any, line is.
func Classify(line string) LineKind {
	switch {
	case strings.HasPrefix(line, "HEADER"):
		return LineHeader
	case strings.HasPrefix(line, "PROGRESS"):
		return LineProgress
	case strings.HasPrefix(line, "FOUND"):
		return LineFound
	default:
		return LineOther
	}
}

func keyValueFields(line, prefix string) (map[string]string, error) {
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("worker: expected %s line, got %q", prefix, line)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	fields := map[string]string{}
	for _, tok := range strings.Fields(rest) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}

func parseRangeBracket(s string) (lo, hi string, err error) {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("worker: malformed range %q", s)
	}
	return parts[0], parts[1], nil
}

// scanLines is a small helper kept separate from Run so it can be tested
// against a canned reader without spawning a real process.
func scanLines(sc *bufio.Scanner, onLine func(string)) error {
	for sc.Scan() {
		onLine(sc.Text())
	}
	return sc.Err()
}

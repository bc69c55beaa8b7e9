package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rangekeeper/orchestrator/internal/rangelog"
)

// Status is the terminal outcome of one worker run (spec.md §4.5/§4.6).
type Status int

const (
	StatusDone Status = iota
	StatusFound
	StatusAborted
	StatusUserInterrupt
)

// Config describes how to launch the solver for one chunk.
type Config struct {
	Command       []string
	LeaseRefresh  time.Duration
	OnLeaseTick   func(ctx context.Context) error
	OnProgress    func(Progress)
}

// Result is what Run returns once the subprocess exits or is stopped.
type Result struct {
	Status      Status
	FoundPriv   string
	Header      *Header
	LastMkSNow  float64
	LastMkSAvg  float64
	LastDead    int
	Output      []byte // zstd-compressed captured stdout+stderr
}

// Run spawns the solver in its own process group, forwards ctx
// cancellation as INT -> TERM -> KILL with 2s/3s escalation (orch.py's
// _safe_kill_group), parses its header/progress/found protocol lines, and
// runs a lease-refresh heartbeat concurrently via an errgroup — either
// goroutine's failure stops the other.
func Run(ctx context.Context, cfg Config, log *rangelog.Logger) (*Result, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker: empty command")
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout // merge stderr into the same parsed stream
	var outBuf bytes.Buffer
	var outMu sync.Mutex

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting solver: %w", err)
	}
	pgid := cmd.Process.Pid

	result := &Result{Status: StatusAborted}
	done := make(chan struct{})
	scanDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(scanDone)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		return scanLines(sc, func(line string) {
			outMu.Lock()
			outBuf.WriteString(line)
			outBuf.WriteByte('\n')
			outMu.Unlock()

			switch Classify(line) {
			case LineHeader:
				if h, err := ParseHeader(line); err == nil {
					result.Header = h
				} else {
					log.Warnw("unparseable header line", "line", line, "err", err)
				}
			case LineProgress:
				if p, err := ParseProgress(line); err == nil {
					result.LastMkSNow, result.LastMkSAvg, result.LastDead = p.MkSNow, p.MkSAvg, p.Dead
					if cfg.OnProgress != nil {
						cfg.OnProgress(*p)
					}
				}
			case LineFound:
				if f, err := ParseFound(line); err == nil {
					result.FoundPriv = f.PrivHex
					result.Status = StatusFound
				}
			}
		})
	})

	if cfg.LeaseRefresh > 0 && cfg.OnLeaseTick != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.LeaseRefresh)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := cfg.OnLeaseTick(gctx); err != nil {
						log.Errorw("lease refresh failed", "err", err)
					}
				}
			}
		})
	}

	waitErr := make(chan error, 1)
	// cmd.Wait closes the stdout pipe, so it runs only after the scanner
	// has drained it; otherwise a final FOUND line could be lost.
	go func() {
		<-scanDone
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		close(done)
		_ = g.Wait()
		if result.Status != StatusFound {
			if err != nil {
				result.Status = StatusAborted
			} else {
				result.Status = StatusDone
			}
		}
	case <-ctx.Done():
		safeKillGroup(pgid, log)
		<-waitErr
		close(done)
		_ = g.Wait()
		result.Status = StatusUserInterrupt
	}

	outMu.Lock()
	compressed, cErr := compress(outBuf.Bytes())
	outMu.Unlock()
	if cErr != nil {
		return result, fmt.Errorf("worker: compressing output: %w", cErr)
	}
	result.Output = compressed
	return result, nil
}

// safeKillGroup escalates INT -> TERM -> KILL to the solver's whole
// process group, polling every 100ms for up to 2s before TERM and 3s
// before KILL — mirrors orch.py's _safe_kill_group.
func safeKillGroup(pgid int, log *rangelog.Logger) {
	send := func(sig unix.Signal) { _ = unix.Kill(-pgid, sig) }

	send(unix.SIGINT)
	if waitGone(pgid, 2*time.Second) {
		return
	}
	log.Warnw("solver did not exit on SIGINT, escalating to SIGTERM", "pgid", pgid)
	send(unix.SIGTERM)
	if waitGone(pgid, 3*time.Second) {
		return
	}
	log.Errorw("solver did not exit on SIGTERM, escalating to SIGKILL", "pgid", pgid)
	send(unix.SIGKILL)
}

func waitGone(pgid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pgid, 0); err != nil {
			return true // ESRCH: process group is gone
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Package banner owns the terminal for the orchestrator process's
// lifetime: hiding/restoring the cursor around the repaint-in-place status
// line, and printing the one-time ASCII identity banner at startup
// (spec.md SPEC_FULL §4.10).
package banner

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const hideCursor = "\x1b[?25l"
const showCursor = "\x1b[?25h"
const eraseLine = "\x1b[2K\r"

// identity is printed once at process start, in the teacher's register of
// a short ASCII banner rather than a full figlet block.
const identity = `
rangekeeper - durable kangaroo range orchestrator
`

// Terminal wraps stdout with cursor-hide/show lifecycle management. The
// zero value is safe to use against a non-TTY (every method becomes a
// no-op for ANSI sequences).
type Terminal struct {
	out    io.Writer
	isTTY  bool
	hidden bool
}

// New detects whether stdout is a real terminal and wraps it for
// colorable ANSI output on Windows consoles; on a pipe or file it degrades
// to plain, sequence-free writes.
func New() *Terminal {
	isTTY := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return &Terminal{out: colorable.NewColorableStdout(), isTTY: isTTY}
}

// PrintIdentity writes the startup banner once, unconditionally of TTY
// status (it is plain text, no ANSI).
func (t *Terminal) PrintIdentity() {
	fmt.Fprint(t.out, identity)
}

// Acquire hides the cursor if attached to a TTY. Safe to call multiple
// times.
func (t *Terminal) Acquire() {
	if !t.isTTY || t.hidden {
		return
	}
	fmt.Fprint(t.out, hideCursor)
	t.hidden = true
}

// Release restores the cursor unconditionally, even mid-panic, since a
// crashed orchestrator must never leave an operator's terminal with a
// hidden cursor. Callers defer this immediately after Acquire.
func (t *Terminal) Release() {
	defer func() { _ = recover() }()
	if !t.isTTY || !t.hidden {
		return
	}
	fmt.Fprint(t.out, showCursor)
	t.hidden = false
}

// RepaintLine erases the current line and writes msg in its place,
// implementing the banner's repaint-in-place contract (--banner-refresh-s).
// On a non-TTY it just appends a newline-terminated line, since erase
// sequences would corrupt a redirected log file.
func (t *Terminal) RepaintLine(msg string) {
	if t.isTTY {
		fmt.Fprint(t.out, eraseLine, msg)
		return
	}
	fmt.Fprintln(t.out, msg)
}

// Done moves past the repaint-in-place line once the orchestrator is
// shutting down, so the final status line isn't left dangling without a
// newline.
func (t *Terminal) Done() {
	if t.isTTY {
		fmt.Fprintln(t.out)
	}
}

package builder

import (
	"fmt"
	"io"
	"sync"

	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/ui"
)

// progress is the build's ordered, append-only line stream: the one
// external observability surface. Lines are collected for the final
// result, forwarded incrementally to an optional sink, and mirrored to
// the logs facade so they reach the terminal and the full log file as
// they happen.
type progress struct {
	mu    sync.Mutex
	lines []string
	sink  io.Writer
	tail  ui.Tail
}

func newProgress(sink io.Writer) *progress {
	return &progress{sink: sink}
}

func (p *progress) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	p.mu.Lock()
	p.lines = append(p.lines, line)
	if p.sink != nil {
		fmt.Fprintln(p.sink, line)
	}
	p.mu.Unlock()

	logs.Infof("%s", line)
}

func (p *progress) collected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// Write lets the progress stream double as the stdout/stderr sink for
// RUN commands, splitting on newlines. Output is also streamed into a
// live tail box, so a long command's last lines stay visible on a
// terminal and every line lands in the full log.
func (p *progress) Write(b []byte) (int, error) {
	p.mu.Lock()
	start := 0
	for i, c := range b {
		if c == '\n' {
			p.lines = append(p.lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		p.lines = append(p.lines, string(b[start:]))
	}
	if p.sink != nil {
		p.sink.Write(b)
	}
	if p.tail == nil {
		p.tail = logs.NewTailBox("command output")
	}
	tail := p.tail
	p.mu.Unlock()

	tail.Write(b)
	return len(b), nil
}

// closeTail finalizes the live tail box, if any. The last buffered
// lines are re-printed as a static box so they survive the build.
func (p *progress) closeTail() {
	p.mu.Lock()
	tail := p.tail
	p.tail = nil
	p.mu.Unlock()

	if tail != nil {
		tail.Close()
	}
}

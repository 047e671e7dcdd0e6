// Package progress prints a live status line while tests are traced.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"calltrace/internal/core"
)

const tickInterval = time.Second

// Progress counts results on their way to the next reporter and prints a
// status line once per tick.
type Progress struct {
	total     int
	next      core.Reporter
	done      atomic.Int64
	problems  atomic.Int64
	events    atomic.Int64
	startTime time.Time
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopped   atomic.Bool
	quiet     bool
	output    io.Writer
	mu        sync.Mutex
}

// NewProgress returns a Progress for a run of total tests that forwards
// every result to next.
func NewProgress(total int, next core.Reporter, quiet bool) *Progress {
	return &Progress{
		total:  total,
		next:   next,
		quiet:  quiet,
		output: os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

// Report counts r and forwards it.
func (p *Progress) Report(r core.Result) {
	p.done.Add(1)
	p.events.Add(int64(r.Events))
	if r.Outcome == core.OutcomeInfraError || r.Err != nil {
		p.problems.Add(1)
	}
	if p.next != nil {
		p.next.Report(r)
	}
}

// Counts returns the number of finished tests and of tests that hit an
// infra or write error.
func (p *Progress) Counts() (done, problems int) {
	return int(p.done.Load()), int(p.problems.Load())
}

func (p *Progress) Start() {
	if p.quiet {
		return
	}
	p.startTime = time.Now()
	p.stopCh = make(chan struct{})
	p.ticker = time.NewTicker(tickInterval)
	go p.run()
}

func (p *Progress) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			p.printProgress()
		}
	}
}

func (p *Progress) printProgress() {
	done, problems := p.Counts()
	elapsed := time.Since(p.startTime).Round(time.Second)
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K[%02d:%02d] %s", int(elapsed.Minutes()), int(elapsed.Seconds())%60,
		p.line(done, problems))
	p.mu.Unlock()
}

func (p *Progress) line(done, problems int) string {
	return fmt.Sprintf("Traced %d/%d | errors %d | events %d", done, p.total, problems, p.events.Load())
}

// Stop stops the ticker and prints the final counts.
func (p *Progress) Stop() {
	if p.quiet || p.stopped.Swap(true) {
		return
	}
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stopCh != nil {
		close(p.stopCh)
	}
	done, problems := p.Counts()
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K%s\n", p.line(done, problems))
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\r\033[K"+format+"\n", args...)
	p.mu.Unlock()
}

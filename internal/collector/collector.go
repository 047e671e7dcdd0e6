// Package collector aggregates per-test results into a run summary.
package collector

import (
	"sync"
	"time"

	"calltrace/internal/core"
)

// Collector aggregates results from workers. Unlike a metrics sink it
// must not lose anything: every reported result ends up in the summary.
type Collector struct {
	results   []core.Result
	ch        chan core.Result
	done      chan struct{}
	mu        sync.Mutex
	clock     core.Clock
	startTime time.Time
	endTime   time.Time
}

// NewCollector creates a Collector and starts its collection goroutine.
func NewCollector(clock core.Clock) *Collector {
	if clock == nil {
		clock = core.RealClock{}
	}
	c := &Collector{
		ch:        make(chan core.Result, 256),
		done:      make(chan struct{}),
		clock:     clock,
		startTime: clock.Now(),
	}
	go c.collect()
	return c
}

func (c *Collector) collect() {
	for r := range c.ch {
		c.mu.Lock()
		c.results = append(c.results, r)
		c.mu.Unlock()
	}
	close(c.done)
}

// Report hands a result to the collector. It blocks while the buffer is
// full. Thread-safe; must not be called after Close.
func (c *Collector) Report(r core.Result) {
	c.ch <- r
}

// Close stops accepting results and waits until all reported results have
// been stored.
func (c *Collector) Close() {
	c.mu.Lock()
	c.endTime = c.clock.Now()
	c.mu.Unlock()
	close(c.ch)
	<-c.done
}

// Results returns a copy of the collected results in arrival order.
func (c *Collector) Results() []core.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Result, len(c.results))
	copy(out, c.results)
	return out
}

// Duration is the wall time from creation to Close, or to now while the
// collector is open.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endTime.IsZero() {
		return c.endTime.Sub(c.startTime)
	}
	return c.clock.Since(c.startTime)
}

// Summary computes the summary of everything collected so far.
func (c *Collector) Summary() *Summary {
	return ComputeSummary(c.Results(), c.Duration())
}

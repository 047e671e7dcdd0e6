package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"calltrace/internal/core"
	"calltrace/internal/ratelimit"
	"calltrace/internal/trace"
)

// Executor runs one test and returns its record.
type Executor interface {
	Execute(ctx context.Context, worker int, id core.TestID) trace.Record
}

// RecordWriter persists a record and returns its path.
type RecordWriter interface {
	Write(rec trace.Record) (string, error)
}

// Pool runs planned tests on a fixed number of workers. Workers pull from
// one shared queue, so a slow test never holds up tests queued behind a
// different worker.
type Pool struct {
	exec     Executor
	writer   RecordWriter
	reporter core.Reporter
	workers  int
	limiter  *ratelimit.RateLimiter
	logger   *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent workers. Values below one mean one.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithRateLimiter throttles test launches across all workers.
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(p *Pool) { p.limiter = l }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool returns a pool executing tests with exec, persisting records with
// w and reporting every result to reporter.
func NewPool(exec Executor, w RecordWriter, reporter core.Reporter, opts ...Option) *Pool {
	p := &Pool{
		exec:     exec,
		writer:   w,
		reporter: reporter,
		workers:  1,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Run executes every planned test exactly once and returns the results in
// completion order. Each result is reported as soon as it arrives. Once ctx
// is done the remaining tests are recorded as infra errors without being
// started.
func (p *Pool) Run(ctx context.Context, planned []core.TestID) []core.Result {
	queue := make(chan core.TestID, len(planned))
	for _, id := range planned {
		queue <- id
	}
	close(queue)

	n := min(p.workers, len(planned))
	results := make(chan core.Result, n)
	var wg sync.WaitGroup
	for w := 1; w <= n; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for id := range queue {
				results <- p.runOne(ctx, worker, id)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	p.logger.Info("running tests", "tests", len(planned), "workers", n)
	out := make([]core.Result, 0, len(planned))
	for r := range results {
		if p.reporter != nil {
			p.reporter.Report(r)
		}
		out = append(out, r)
	}
	return out
}

func (p *Pool) runOne(ctx context.Context, worker int, id core.TestID) core.Result {
	var rec trace.Record
	if err := p.limiter.Wait(ctx); err != nil {
		rec = infraRecord(worker, id, "throttle", err)
	} else {
		rec = p.execute(ctx, worker, id)
	}

	res := core.Result{
		TestID:   id,
		Worker:   worker,
		Outcome:  rec.Outcome,
		Duration: rec.Duration,
		Events:   len(rec.Events),
	}
	if rec.InfraError != "" {
		res.Err = fmt.Errorf("%w: %s", core.ErrInfra, rec.InfraError)
	}

	path, err := p.writer.Write(rec)
	if err != nil {
		p.logger.Error("write trace", "test", id, "err", err)
		res.Err = err
		return res
	}
	res.File = path
	return res
}

// execute runs one test and turns a panic in the execution machinery into
// an infra-error record, so one broken test never takes its worker down.
func (p *Pool) execute(ctx context.Context, worker int, id core.TestID) (rec trace.Record) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panic", "test", id, "worker", worker, "panic", r)
			rec = infraRecord(worker, id, "panic", fmt.Errorf("%v", r))
		}
	}()
	return p.exec.Execute(ctx, worker, id)
}

func infraRecord(worker int, id core.TestID, op string, err error) trace.Record {
	rec := trace.NewBuilder(id, nil).Finalize(core.OutcomeInfraError, &core.InfraError{TestID: id, Op: op, Err: err})
	rec.Worker = worker
	return rec
}

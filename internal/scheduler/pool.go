// Package scheduler runs jobs on a bounded worker pool fed by a FIFO queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/pipeline"
	"github.com/kalambet/scrubd/internal/storage"
)

// Processor drives one job to completion. *pipeline.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, jobID, owner string) error
}

// WorkerCount returns one worker per core up to ceiling, never fewer than one.
// A ceiling of zero or less means no cap.
func WorkerCount(ceiling int) int {
	n := runtime.NumCPU()
	if ceiling > 0 && ceiling < n {
		n = ceiling
	}
	return max(n, 1)
}

// Stats are point-in-time pool gauges.
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// Pool dispatches queued job ids to workers. Each worker processes one job
// at a time; the in-progress marker in the job repository keeps a job off
// two workers at once.
type Pool struct {
	proc         Processor
	workers      int
	bootID       string
	requeueDelay time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	queue  []string
	queued map[string]bool
	wake   chan struct{}
	busy   atomic.Int64
	timers sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithRequeueDelay sets how long a held job waits before it is queued again.
func WithRequeueDelay(d time.Duration) Option {
	return func(p *Pool) { p.requeueDelay = d }
}

// New creates a pool of workers workers. bootID prefixes every claim owner
// so claims from an earlier process are recognizable.
func New(proc Processor, workers int, bootID string, opts ...Option) *Pool {
	p := &Pool{
		proc:         proc,
		workers:      max(workers, 1),
		bootID:       bootID,
		requeueDelay: 30 * time.Second,
		logger:       slog.Default(),
		queued:       map[string]bool{},
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Owner returns the claim owner of worker n.
func (p *Pool) Owner(n int) string {
	return fmt.Sprintf("%s/w%d", p.bootID, n)
}

// Submit queues jobID. An id already waiting in the queue is not added twice.
func (p *Pool) Submit(jobID string) {
	p.mu.Lock()
	if !p.queued[jobID] {
		p.queued[jobID] = true
		p.queue = append(p.queue, jobID)
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	id := p.queue[0]
	p.queue = p.queue[1:]
	delete(p.queued, id)
	if len(p.queue) > 0 {
		p.signal()
	}
	return id, true
}

// Stats reports the current gauges.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{Workers: p.workers, Busy: int(p.busy.Load()), Queued: queued}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for n := 1; n <= p.workers; n++ {
		owner := p.Owner(n)
		g.Go(func() error {
			p.work(gctx, owner)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.workers)
	err := g.Wait()
	p.timers.Wait()
	return err
}

func (p *Pool) work(ctx context.Context, owner string) {
	for {
		id, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		p.busy.Add(1)
		err := p.proc.Process(ctx, id, owner)
		p.busy.Add(-1)
		p.handle(ctx, id, owner, err)
	}
}

func (p *Pool) handle(ctx context.Context, id, owner string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrHeld):
		p.logger.Warn("job held, requeueing", "job_id", id, "delay", p.requeueDelay, "error", err)
		p.requeue(ctx, id)
	case errors.Is(err, storage.ErrClaimed):
		p.logger.Debug("job claimed elsewhere", "job_id", id, "worker", owner)
	case ctx.Err() != nil:
		p.logger.Info("job interrupted by shutdown", "job_id", id)
	case errors.Is(err, ledger.ErrIntegrity):
		// Parked until an operator investigates the alarm.
		p.logger.Error("job parked on ledger integrity violation", "job_id", id, "error", err)
	default:
		p.logger.Error("job processing failed, requeueing", "job_id", id, "worker", owner, "delay", p.requeueDelay, "error", err)
		p.requeue(ctx, id)
	}
}

func (p *Pool) requeue(ctx context.Context, id string) {
	p.timers.Add(1)
	go func() {
		defer p.timers.Done()
		t := time.NewTimer(p.requeueDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			p.Submit(id)
		}
	}()
}

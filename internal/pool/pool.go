// Package pool runs transfer work items on a fixed set of workers fed
// by a bounded FIFO queue. The queue bound is the backpressure
// mechanism: enumeration blocks on Submit once the queue fills.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loonghao/eacopy/internal/errkind"
)

// Policy decides what happens after a work item's final failed attempt.
type Policy uint8

const (
	// PolicyRaise surfaces the failure to the caller immediately.
	PolicyRaise Policy = iota
	// PolicyRetry re-runs the item before surfacing.
	PolicyRetry
	// PolicyIgnore logs the failure and treats the item as skipped.
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyRaise:
		return "raise"
	case PolicyRetry:
		return "retry"
	case PolicyIgnore:
		return "ignore"
	}
	return "unknown"
}

// Backoff selects how the delay between attempts grows.
type Backoff uint8

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// maxBackoff caps exponential growth between attempts.
const maxBackoff = 30 * time.Second

// Retry configures the per-item retry behavior. Count is the number of
// re-attempts after the first failure, so a permanently failing item
// runs Count+1 times under PolicyRetry.
type Retry struct {
	Policy  Policy
	Count   int
	Delay   time.Duration
	Backoff Backoff
}

// Item is one unit of work: a single file driven through a full
// transfer session by Run.
type Item struct {
	Path string
	Run  func(ctx context.Context) error
}

// Result is the terminal outcome of an item after policy evaluation.
type Result struct {
	Path     string
	Err      error
	Attempts int
	// Skipped marks an item whose failure PolicyIgnore consumed; Err
	// still carries the cause for logging.
	Skipped bool
}

// Config sets up a Pool.
type Config struct {
	// Workers is the number of concurrent workers; minimum 1.
	Workers int
	// QueueDepth bounds the pending queue; minimum 1.
	QueueDepth int
	Retry      Retry
	// OnResult is called by the executing worker once per item, after
	// policy evaluation. It must be safe for concurrent use.
	OnResult func(Result)
	Logger   *slog.Logger
}

// Pool is the bounded-concurrency executor.
type Pool struct {
	queue    chan Item
	onResult func(Result)
	log      *slog.Logger
	retry    Retry
	workers  int

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Pool; call Start before submitting.
func New(cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(Result) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		queue:    make(chan Item, cfg.QueueDepth),
		onResult: cfg.OnResult,
		log:      cfg.Logger,
		retry:    cfg.Retry,
		workers:  cfg.Workers,
	}
}

// Start launches the workers. They drain the queue until Close and exit
// early when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for n := 0; n < p.workers; n++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range p.queue {
				select {
				case <-ctx.Done():
					p.onResult(Result{Path: item.Path, Err: ctx.Err()})
					continue
				default:
				}
				p.onResult(p.runItem(ctx, item))
			}
		}()
	}
}

// Submit enqueues an item, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, item Item) error {
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues without blocking and reports CapacityExceeded when
// the queue is full.
func (p *Pool) TrySubmit(item Item) error {
	select {
	case p.queue <- item:
		return nil
	default:
		return errkind.New(errkind.CapacityExceeded, item.Path)
	}
}

// Close stops accepting new items. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
}

// Wait blocks until every accepted item has a result. Call Close first.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// runItem drives one item to a terminal result, applying the retry
// policy exactly once per terminal failure.
func (p *Pool) runItem(ctx context.Context, item Item) Result {
	attempts := 1
	if p.retry.Policy == PolicyRetry {
		attempts = p.retry.Count + 1
	}

	var err error
	delay := p.retry.Delay
	made := 0
	for i := 1; i <= attempts; i++ {
		made = i
		err = item.Run(ctx)
		if err == nil {
			return Result{Path: item.Path, Attempts: made}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if i == attempts {
			break
		}

		p.log.Warn("transfer failed, retrying",
			"path", item.Path, "attempt", i, "of", attempts, "error", err)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{Path: item.Path, Err: ctx.Err(), Attempts: made}
			}
		}
		if p.retry.Backoff == BackoffExponential {
			delay = min(delay*2, maxBackoff)
		}
	}

	if p.retry.Policy == PolicyIgnore {
		p.log.Warn("transfer failed, skipping", "path", item.Path, "error", err)
		return Result{Path: item.Path, Err: err, Attempts: made, Skipped: true}
	}
	return Result{Path: item.Path, Err: err, Attempts: made}
}

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/eacopy/internal/errkind"
)

// collector gathers results safely across workers.
type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) add(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func TestRetryBound(t *testing.T) {
	var runs atomic.Int32
	col := &collector{}

	p := New(Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      Retry{Policy: PolicyRetry, Count: 3},
		OnResult:   col.add,
	})
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), Item{
		Path: "always-fails",
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("permanent failure")
		},
	}))
	p.Close()
	p.Wait()

	// retry_count = N means exactly N+1 attempts.
	assert.Equal(t, int32(4), runs.Load())
	results := col.all()
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 4, results[0].Attempts)
	assert.False(t, results[0].Skipped)
}

func TestRetryEventualSuccess(t *testing.T) {
	var runs atomic.Int32
	col := &collector{}

	p := New(Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      Retry{Policy: PolicyRetry, Count: 5},
		OnResult:   col.add,
	})
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), Item{
		Path: "flaky",
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))
	p.Close()
	p.Wait()

	results := col.all()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestIgnorePolicyMarksSkipped(t *testing.T) {
	col := &collector{}
	p := New(Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      Retry{Policy: PolicyIgnore},
		OnResult:   col.add,
	})
	p.Start(context.Background())

	require.NoError(t, p.Submit(context.Background(), Item{
		Path: "broken",
		Run:  func(context.Context) error { return errors.New("boom") },
	}))
	require.NoError(t, p.Submit(context.Background(), Item{
		Path: "fine",
		Run:  func(context.Context) error { return nil },
	}))
	p.Close()
	p.Wait()

	results := col.all()
	require.Len(t, results, 2)
	var skipped, ok int
	for _, r := range results {
		if r.Skipped {
			skipped++
		} else if r.Err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, ok)
}

func TestBackpressureBlocksWithoutDropping(t *testing.T) {
	const items = 20
	var completed atomic.Int32
	release := make(chan struct{})

	p := New(Config{
		Workers:    2,
		QueueDepth: 2,
		OnResult:   func(Result) { completed.Add(1) },
	})
	p.Start(context.Background())

	submitted := make(chan struct{})
	go func() {
		for n := 0; n < items; n++ {
			_ = p.Submit(context.Background(), Item{
				Path: "f",
				Run: func(context.Context) error {
					<-release
					return nil
				},
			})
		}
		close(submitted)
	}()

	// Workers are parked, queue is full: submission must be blocked.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-submitted:
		t.Fatal("submit did not block on full queue")
	default:
	}

	close(release)
	<-submitted
	p.Close()
	p.Wait()

	assert.Equal(t, int32(items), completed.Load())
}

func TestTrySubmitCapacityExceeded(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 1})
	// Not started: the single queue slot fills and stays full.
	require.NoError(t, p.TrySubmit(Item{Path: "a", Run: func(context.Context) error { return nil }}))

	err := p.TrySubmit(Item{Path: "b", Run: func(context.Context) error { return nil }})
	assert.True(t, errkind.Is(err, errkind.CapacityExceeded))
}

func TestCancelledContextSkipsRetries(t *testing.T) {
	var runs atomic.Int32
	col := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{
		Workers:    1,
		QueueDepth: 1,
		Retry:      Retry{Policy: PolicyRetry, Count: 10, Delay: time.Hour},
		OnResult:   col.add,
	})
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, Item{
		Path: "cancelled",
		Run: func(c context.Context) error {
			runs.Add(1)
			cancel()
			return c.Err()
		},
	}))
	p.Close()
	p.Wait()

	assert.Equal(t, int32(1), runs.Load())
	results := col.all()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestSubmitAfterCancelReturnsError(t *testing.T) {
	p := New(Config{Workers: 1, QueueDepth: 1})
	require.NoError(t, p.TrySubmit(Item{Path: "filler", Run: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, Item{Path: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.Canceled)
}

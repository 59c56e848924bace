package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/pipeline"
	"github.com/kalambet/scrubd/internal/storage"
)

type procFunc func(ctx context.Context, jobID, owner string) error

func (f procFunc) Process(ctx context.Context, jobID, owner string) error { return f(ctx, jobID, owner) }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func runPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestWorkerCount(t *testing.T) {
	cpus := runtime.NumCPU()
	assert.Equal(t, 1, WorkerCount(1))
	assert.Equal(t, cpus, WorkerCount(0))
	assert.Equal(t, cpus, WorkerCount(cpus+8))
	assert.Equal(t, min(2, cpus), WorkerCount(2))
}

func TestHundredJobsOneWorker(t *testing.T) {
	s := openTestStore(t)
	const n = 100

	var inFlight, maxInFlight atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		defer wg.Done()
		if err := s.ClaimJob(id, owner); err != nil {
			return err
		}
		cur := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return s.Transition(id, owner, storage.StatePending, storage.StateArchived)
	})

	p := New(proc, 1, "boot")
	runPool(t, p)
	for i := range n {
		id := fmt.Sprintf("job-%03d", i)
		require.NoError(t, s.CreateJob(storage.Job{ID: id, ContentHash: id}))
		p.Submit(id)
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "jobs ran concurrently")
	jobs, err := s.ListJobs(storage.StateArchived, n+1)
	require.NoError(t, err)
	assert.Len(t, jobs, n)
	for _, j := range jobs {
		assert.Empty(t, j.Owner, "job %s still claimed", j.ID)
	}
}

func TestSubmitFIFOAndDedupe(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(3)
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		wg.Done()
		return nil
	})

	p := New(proc, 1, "boot")
	for _, id := range []string{"a", "b", "a", "c", "b"} {
		p.Submit(id)
	}
	assert.Equal(t, 3, p.Stats().Queued)
	runPool(t, p)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestHeldJobRequeued(t *testing.T) {
	var calls atomic.Int64
	done := make(chan struct{})
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("%w: %w", pipeline.ErrHeld, pipeline.ErrLedgerUnavailable)
		}
		close(done)
		return nil
	})

	p := New(proc, 2, "boot", WithRequeueDelay(10*time.Millisecond))
	runPool(t, p)
	p.Submit("held")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("held job was not requeued")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestFailedJobRequeued(t *testing.T) {
	var calls atomic.Int64
	done := make(chan struct{})
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		if calls.Add(1) == 1 {
			return errors.New("recording attempt: database is locked")
		}
		close(done)
		return nil
	})

	p := New(proc, 1, "boot", WithRequeueDelay(10*time.Millisecond))
	runPool(t, p)
	p.Submit("flaky")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("failed job was not requeued")
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestIntegrityViolationParked(t *testing.T) {
	var calls atomic.Int64
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		calls.Add(1)
		return fmt.Errorf("job %s: %w", id, ledger.ErrIntegrity)
	})

	p := New(proc, 1, "boot", WithRequeueDelay(5*time.Millisecond))
	runPool(t, p)
	p.Submit("tampered")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "job with an integrity violation was retried")
}

func TestOwnersCarryBootID(t *testing.T) {
	owners := make(chan string, 4)
	proc := procFunc(func(ctx context.Context, id, owner string) error {
		owners <- owner
		return nil
	})
	p := New(proc, 1, "b1")
	runPool(t, p)
	p.Submit("x")
	assert.Equal(t, "b1/w1", <-owners)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/storage"
)

// call runs fn with a stage deadline. When the deadline passes first the
// call is abandoned: its goroutine may finish later but the result is
// dropped.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(r.err, adapter.ErrTimeout) {
			return zero, fmt.Errorf("%w: %v", adapter.ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w: stage exceeded %s", adapter.ErrTimeout, timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the delay after the given failed attempt: base doubled per
// attempt, capped at BackoffMax.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt && d < o.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, o.cfg.BackoffMax)
}

// appendHeld appends ev, retrying with exponential backoff for up to the
// ledger hold window. Past the window it returns ErrHeld; the fact is never
// dropped, the job simply stays where it is.
func (o *Orchestrator) appendHeld(ctx context.Context, ev ledger.Event) (storage.LedgerEntry, error) {
	deadline := o.clock().Add(o.cfg.LedgerHold)
	for attempt := 1; ; attempt++ {
		e, err := o.ledger.Append(ctx, ev)
		if err == nil {
			return e, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return storage.LedgerEntry{}, ctxErr
		}
		o.logger.Warn("ledger append failed", "job_id", ev.JobID, "event", ev.Type, "attempt", attempt, "error", err)

		remaining := deadline.Sub(o.clock())
		if remaining <= 0 {
			return storage.LedgerEntry{}, fmt.Errorf("%w: %w: %s: %v", ErrHeld, ErrLedgerUnavailable, ev.Type, err)
		}
		if err := o.sleep(ctx, min(o.backoff(attempt), remaining)); err != nil {
			return storage.LedgerEntry{}, err
		}
	}
}

// relocate moves path into dir as <jobID><ext> and returns the new path. A
// move that already happened returns the destination; a file that is in
// neither place returns path unchanged.
func relocate(path, dir, jobID string) (string, error) {
	if path == "" || dir == "" {
		return path, nil
	}
	dest := filepath.Join(dir, jobID+filepath.Ext(path))
	if dest == path {
		return dest, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	err := os.Rename(path, dest)
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(dest); statErr == nil {
			return dest, nil
		}
		return path, nil
	}
	if err != nil {
		return "", err
	}
	return dest, nil
}

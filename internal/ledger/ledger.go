// Package ledger is the append-only, hash-chained audit log. Exactly one
// goroutine (Run) assigns sequence numbers and links; every other caller
// hands its event to that goroutine and waits for the durable commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/scrubd/internal/storage"
)

// Event types.
const (
	EventValidated    = "VALIDATED"
	EventExtracted    = "EXTRACTED"
	EventDetected     = "DETECTED"
	EventRedacted     = "REDACTED"
	EventSigned       = "SIGNED"
	EventArchived     = "ARCHIVED"
	EventRejected     = "REJECTED"
	EventDeadLettered = "DEAD_LETTERED"
	EventRetried      = "RETRIED"
	EventPurged       = "PURGED"
)

// AlarmIntegrity is the standing alarm raised on any chain divergence.
const AlarmIntegrity = "integrity_violation"

// ErrIntegrity is returned when a chain check finds a divergence.
var ErrIntegrity = errors.New("ledger integrity violation")

// ErrStopped is returned by Append once the writer has exited.
var ErrStopped = errors.New("ledger writer stopped")

// Store is the persistence the ledger needs. *storage.Store satisfies it.
type Store interface {
	AppendLedger(jobID, eventType string, build func(tail *storage.LedgerEntry) (storage.LedgerEntry, error)) (storage.LedgerEntry, bool, error)
	LedgerRange(from, to int64) ([]storage.LedgerEntry, error)
	LedgerEntryAt(seq int64) (storage.LedgerEntry, error)
	LedgerByJob(jobID string) ([]storage.LedgerEntry, error)
	LedgerTail() (storage.LedgerEntry, error)
	RaiseAlarm(kind, detail string) error
}

// Event is one fact to record about a job.
type Event struct {
	JobID   string
	Type    string
	Payload map[string]any
}

type appendResult struct {
	entry storage.LedgerEntry
	err   error
}

type appendRequest struct {
	event Event
	reply chan appendResult
}

// Ledger serializes appends through a single writer goroutine.
type Ledger struct {
	store  Store
	reqs   chan appendRequest
	done   chan struct{}
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger. Call Run before Append.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		reqs:   make(chan appendRequest),
		done:   make(chan struct{}),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run is the single writer. It blocks until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-l.reqs:
			e, err := l.write(req.event)
			req.reply <- appendResult{entry: e, err: err}
		}
	}
}

// Append records ev and returns its entry once it is durably committed. A
// fact that already exists for the job is returned unchanged. If ctx ends
// after the request was handed over, the append may still commit.
func (l *Ledger) Append(ctx context.Context, ev Event) (storage.LedgerEntry, error) {
	req := appendRequest{event: ev, reply: make(chan appendResult, 1)}
	select {
	case l.reqs <- req:
	case <-l.done:
		return storage.LedgerEntry{}, ErrStopped
	case <-ctx.Done():
		return storage.LedgerEntry{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.entry, res.err
	case <-ctx.Done():
		return storage.LedgerEntry{}, ctx.Err()
	}
}

func (l *Ledger) write(ev Event) (storage.LedgerEntry, error) {
	payloadHash, err := PayloadHash(ev.Payload)
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	e, inserted, err := l.store.AppendLedger(ev.JobID, ev.Type, func(tail *storage.LedgerEntry) (storage.LedgerEntry, error) {
		e := storage.LedgerEntry{
			Seq:         1,
			JobID:       ev.JobID,
			EventType:   ev.Type,
			PayloadHash: payloadHash,
			// Stored timestamps have microsecond precision; hash what is stored.
			Timestamp: l.clock().UTC().Truncate(time.Microsecond),
			PrevHash:  Genesis,
		}
		if tail != nil {
			e.Seq = tail.Seq + 1
			e.PrevHash = tail.EntryHash
		}
		h, err := EntryHash(e)
		if err != nil {
			return storage.LedgerEntry{}, err
		}
		e.EntryHash = h
		return e, nil
	})
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("appending %s for job %s: %w", ev.Type, ev.JobID, err)
	}
	if inserted {
		l.logger.Debug("ledger entry appended", "seq", e.Seq, "job_id", e.JobID, "event", e.EventType)
	}
	return e, nil
}

// Entries returns a job's entries in sequence order.
func (l *Ledger) Entries(jobID string) ([]storage.LedgerEntry, error) {
	return l.store.LedgerByJob(jobID)
}

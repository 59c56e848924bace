// Package deadletter is the terminal holding area for jobs that cannot
// complete. Quarantined files are never deleted or reprocessed without an
// explicit operator retry or purge.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/storage"
)

// Reasons recorded by the pipeline and the watcher.
const (
	ReasonIngestFailure    = "IngestFailure"
	ReasonRetriesExhausted = "RetriesExhausted"
	ReasonSigningFailed    = "SigningFailed"
	ReasonSelfCheckFailed  = "SelfCheckFailed"
	ReasonMaxAgeExceeded   = "MaxAgeExceeded"
)

var (
	// ErrNotHeld is returned when retrying a record that was already retried.
	ErrNotHeld = errors.New("dead letter is not held")
	// ErrArchived is returned when dead-lettering a job whose archival is
	// already in the ledger.
	ErrArchived = errors.New("job already archived")
)

// Store is the persistence the sink needs. *storage.Store satisfies it.
type Store interface {
	SaveDeadLetter(d storage.DeadLetter) error
	GetDeadLetter(jobID string) (storage.DeadLetter, error)
	ListDeadLetters(status string, limit int) ([]storage.DeadLetter, error)
	MarkDeadLetterRetried(jobID, retryJobID string) error
	DeleteDeadLetter(jobID string) error
	GetJob(id string) (storage.Job, error)
	CreateJob(j storage.Job) error
	HasLedgerEvent(jobID, eventType string) (bool, error)
}

// Appender records ledger facts. *ledger.Ledger satisfies it.
type Appender interface {
	Append(ctx context.Context, ev ledger.Event) (storage.LedgerEntry, error)
}

type Sink struct {
	store         Store
	ledger        Appender
	dir           string
	processingDir string
	newID         func() string
	logger        *slog.Logger
}

// New creates a Sink quarantining files under dir. Retried files are moved
// back into processingDir.
func New(store Store, l Appender, dir, processingDir string) *Sink {
	return &Sink{
		store:         store,
		ledger:        l,
		dir:           dir,
		processingDir: processingDir,
		newID:         uuid.NewString,
		logger:        slog.Default(),
	}
}

// Dir returns the quarantine directory.
func (s *Sink) Dir() string { return s.dir }

// Quarantine moves the file at path to <dir>/<jobID><ext> and returns the
// new location. Re-running after the move already happened is a no-op.
func (s *Sink) Quarantine(jobID, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	dest := filepath.Join(s.dir, jobID+filepath.Ext(path))
	if path == dest {
		return dest, nil
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating dead-letter dir: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(dest); statErr == nil {
				return dest, nil
			}
			// Nothing to quarantine; the record still points at the source.
			return "", nil
		}
		return "", fmt.Errorf("quarantining file: %w", err)
	}
	return dest, nil
}

// Put quarantines the job's file, persists the record and appends the
// DEAD_LETTERED fact. It returns the quarantined path. Every step is safe to
// repeat.
func (s *Sink) Put(ctx context.Context, job storage.Job, reason, detail string) (string, error) {
	archived, err := s.store.HasLedgerEvent(job.ID, ledger.EventArchived)
	if err != nil {
		return "", fmt.Errorf("reading ledger: %w", err)
	}
	if archived {
		return "", fmt.Errorf("job %s: %w", job.ID, ErrArchived)
	}
	ref, err := s.Quarantine(job.ID, job.StoredPath)
	if err != nil {
		return "", err
	}
	if ref == "" {
		ref = job.StoredPath
	}
	err = s.store.SaveDeadLetter(storage.DeadLetter{
		JobID:   job.ID,
		State:   job.State,
		Reason:  reason,
		Detail:  detail,
		FileRef: ref,
	})
	if err != nil {
		return "", fmt.Errorf("saving dead letter: %w", err)
	}
	_, err = s.ledger.Append(ctx, ledger.Event{
		JobID: job.ID,
		Type:  ledger.EventDeadLettered,
		Payload: map[string]any{
			"reason": reason,
			"state":  job.State,
		},
	})
	if err != nil {
		return "", fmt.Errorf("recording dead letter: %w", err)
	}
	s.logger.Warn("job dead-lettered", "job_id", job.ID, "state", job.State, "reason", reason)
	return ref, nil
}

// List returns dead letters, newest first, optionally filtered by status.
func (s *Sink) List(status string, limit int) ([]storage.DeadLetter, error) {
	return s.store.ListDeadLetters(status, limit)
}

// Get returns the record for jobID.
func (s *Sink) Get(jobID string) (storage.DeadLetter, error) {
	return s.store.GetDeadLetter(jobID)
}

// Retry moves a held job's file back into processing under a new job that
// references the old one, and returns the new job. The caller submits it.
// The new job keeps the original policy snapshot.
func (s *Sink) Retry(ctx context.Context, jobID string) (storage.Job, error) {
	d, err := s.store.GetDeadLetter(jobID)
	if err != nil {
		return storage.Job{}, err
	}
	if d.Status != storage.DeadLetterHeld {
		return storage.Job{}, fmt.Errorf("%w: %s is %s", ErrNotHeld, jobID, d.Status)
	}
	old, err := s.store.GetJob(jobID)
	if err != nil {
		return storage.Job{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}

	retry := storage.Job{
		ID:            s.newID(),
		SourcePath:    old.SourcePath,
		ContentHash:   old.ContentHash,
		PolicyVersion: old.PolicyVersion,
		PolicyJSON:    old.PolicyJSON,
		RetryOf:       old.ID,
	}
	if d.FileRef != "" {
		if err := os.MkdirAll(s.processingDir, 0o750); err != nil {
			return storage.Job{}, fmt.Errorf("creating processing dir: %w", err)
		}
		retry.StoredPath = filepath.Join(s.processingDir, retry.ID+filepath.Ext(d.FileRef))
		if err := os.Rename(d.FileRef, retry.StoredPath); err != nil {
			return storage.Job{}, fmt.Errorf("restoring quarantined file: %w", err)
		}
	}
	if err := s.store.CreateJob(retry); err != nil {
		if retry.StoredPath != "" {
			if rbErr := os.Rename(retry.StoredPath, d.FileRef); rbErr != nil {
				s.logger.Error("failed to return file to quarantine", "job_id", jobID, "error", rbErr)
			}
		}
		return storage.Job{}, fmt.Errorf("creating retry job: %w", err)
	}
	if err := s.store.MarkDeadLetterRetried(jobID, retry.ID); err != nil {
		return storage.Job{}, fmt.Errorf("marking dead letter retried: %w", err)
	}
	_, err = s.ledger.Append(ctx, ledger.Event{
		JobID:   jobID,
		Type:    ledger.EventRetried,
		Payload: map[string]any{"retry_job_id": retry.ID},
	})
	if err != nil {
		return storage.Job{}, fmt.Errorf("recording retry: %w", err)
	}
	s.logger.Info("dead letter retried", "job_id", jobID, "retry_job_id", retry.ID)
	return s.store.GetJob(retry.ID)
}

// Purge deletes the quarantined file and the record. The PURGED fact stays
// in the ledger.
func (s *Sink) Purge(ctx context.Context, jobID string) error {
	d, err := s.store.GetDeadLetter(jobID)
	if err != nil {
		return err
	}
	if d.Status == storage.DeadLetterHeld && d.FileRef != "" {
		if err := os.Remove(d.FileRef); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing quarantined file: %w", err)
		}
	}
	_, err = s.ledger.Append(ctx, ledger.Event{
		JobID:   jobID,
		Type:    ledger.EventPurged,
		Payload: map[string]any{"reason": d.Reason},
	})
	if err != nil {
		return fmt.Errorf("recording purge: %w", err)
	}
	if err := s.store.DeleteDeadLetter(jobID); err != nil {
		return fmt.Errorf("deleting dead letter: %w", err)
	}
	s.logger.Info("dead letter purged", "job_id", jobID)
	return nil
}

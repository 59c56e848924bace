// Package reconcile restores in-flight jobs after a restart. It runs once
// before the worker pool starts, while no claims can be legitimately held.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/archive"
	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/storage"
)

// Store is the job persistence reconciliation needs. *storage.Store satisfies it.
type Store interface {
	ReleaseAllClaims() ([]string, error)
	ListUnfinishedJobs() ([]storage.Job, error)
	RecoverJob(id, state string, attempts int, lastError string) error
	ClaimJob(id, owner string) error
	ReleaseJob(id, owner string) error
	SetDisposition(id, owner, disposition, reason, detail string) error
	SetArtifact(id, owner, path, outputHash string) error
	HasLedgerEvent(jobID, eventType string) (bool, error)
}

// Archive checks and removes signed artifacts. *archive.Store satisfies it.
type Archive interface {
	Check(path string) (adapter.Signature, error)
	RemoveJob(jobID string) error
}

// Adopter creates jobs for files found in processing without one. *ingest.Intake satisfies it.
type Adopter interface {
	Adopt(ctx context.Context, path string) (bool, error)
}

// Submitter queues resumable jobs. *scheduler.Pool satisfies it.
type Submitter interface {
	Submit(jobID string)
}

// Limits bound how long and how often a job may be tried.
type Limits struct {
	MaxAge      time.Duration
	MaxAttempts int
}

// Artifact is what a job's recorded artifact looks like on disk.
type Artifact int

const (
	ArtifactNone Artifact = iota
	ArtifactValid
	ArtifactInvalid
)

// Kind is what reconciliation does with a job.
type Kind int

const (
	// Resume queues the job in its current state.
	Resume Kind = iota
	// DeadLetter records a dead-letter disposition and queues the job so the
	// orchestrator completes it.
	DeadLetter
	// RollBack moves the job to an earlier state before queueing it.
	RollBack
)

func (k Kind) String() string {
	switch k {
	case Resume:
		return "resume"
	case DeadLetter:
		return "dead_letter"
	case RollBack:
		return "roll_back"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is the decision for one job.
type Action struct {
	Kind     Kind
	State    string
	Attempts int
	Reason   string
	Detail   string
	// ClearArtifact removes the recorded artifact before the job runs again.
	ClearArtifact bool
}

// Decide chooses what to do with an unfinished job. interrupted is true when
// the job's in-progress marker was still set, meaning a run died mid-stage;
// that run counts as one attempt. archived is true when the job's ARCHIVED
// fact is already in the ledger.
func Decide(j storage.Job, interrupted bool, art Artifact, archived bool, now time.Time, lim Limits) Action {
	a := Action{Kind: Resume, State: j.State, Attempts: j.AttemptCount}
	if interrupted {
		a.Attempts++
	}
	if j.Disposition != "" {
		return a
	}
	// Archival is committed and only the transition is missing. No age or
	// budget limit may turn it into a second terminal outcome.
	if j.State == storage.StateAuditing && art == ArtifactValid && archived {
		return a
	}
	if lim.MaxAge > 0 && !j.CreatedAt.IsZero() && now.Sub(j.CreatedAt) > lim.MaxAge {
		a.Kind = DeadLetter
		a.Reason = deadletter.ReasonMaxAgeExceeded
		a.Detail = fmt.Sprintf("job older than %s", lim.MaxAge)
		return a
	}
	if lim.MaxAttempts > 0 && a.Attempts >= lim.MaxAttempts {
		a.Kind = DeadLetter
		a.Reason = deadletter.ReasonRetriesExhausted
		a.Detail = fmt.Sprintf("%d attempts in %s", a.Attempts, j.State)
		if j.LastError != "" {
			a.Detail += ": " + j.LastError
		}
		return a
	}

	switch j.State {
	case storage.StateSigning:
		a.ClearArtifact = art == ArtifactInvalid
	case storage.StateAuditing:
		if art != ArtifactValid {
			a.Kind = RollBack
			a.State = storage.StateSigning
			a.ClearArtifact = art == ArtifactInvalid || j.ArtifactPath != ""
		}
	}
	return a
}

// Report summarizes one reconciliation pass.
type Report struct {
	Released     int `json:"released"`
	Resumed      int `json:"resumed"`
	RolledBack   int `json:"rolled_back"`
	DeadLettered int `json:"dead_lettered"`
	Adopted      int `json:"adopted"`
}

type Service struct {
	store         Store
	archive       Archive
	adopter       Adopter
	submit        Submitter
	limits        Limits
	processingDir string
	owner         string
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for the age limit.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service. owner is the claim owner used for the brief claims
// reconciliation takes while it edits a job.
func New(store Store, arch Archive, adopter Adopter, submit Submitter, processingDir, owner string, lim Limits, opts ...Option) *Service {
	s := &Service{
		store:         store,
		archive:       arch,
		adopter:       adopter,
		submit:        submit,
		limits:        lim,
		processingDir: processingDir,
		owner:         owner,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run releases stale claims, decides every unfinished job, adopts orphan
// files and queues everything resumable.
func (s *Service) Run(ctx context.Context) (Report, error) {
	var rep Report
	released, err := s.store.ReleaseAllClaims()
	if err != nil {
		return rep, fmt.Errorf("releasing claims: %w", err)
	}
	rep.Released = len(released)
	interrupted := make(map[string]bool, len(released))
	for _, id := range released {
		interrupted[id] = true
	}

	jobs, err := s.store.ListUnfinishedJobs()
	if err != nil {
		return rep, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	now := s.clock()
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		archived, err := s.archived(j)
		if err != nil {
			return rep, fmt.Errorf("reading ledger for job %s: %w", j.ID, err)
		}
		a := Decide(j, interrupted[j.ID], s.artifact(j), archived, now, s.limits)
		if err := s.apply(j, interrupted[j.ID], a); err != nil {
			return rep, fmt.Errorf("reconciling job %s: %w", j.ID, err)
		}
		switch a.Kind {
		case Resume:
			rep.Resumed++
		case RollBack:
			rep.RolledBack++
		case DeadLetter:
			rep.DeadLettered++
		}
		s.logger.Info("job reconciled", "job_id", j.ID, "state", j.State, "action", a.Kind.String(), "attempts", a.Attempts)
		s.submit.Submit(j.ID)
	}

	n, err := s.adoptOrphans(ctx)
	rep.Adopted = n
	if err != nil {
		return rep, err
	}
	s.logger.Info("reconciliation complete", "released", rep.Released, "resumed", rep.Resumed,
		"rolled_back", rep.RolledBack, "dead_lettered", rep.DeadLettered, "adopted", rep.Adopted)
	return rep, nil
}

func (s *Service) archived(j storage.Job) (bool, error) {
	if j.State != storage.StateAuditing {
		return false, nil
	}
	return s.store.HasLedgerEvent(j.ID, ledger.EventArchived)
}

func (s *Service) artifact(j storage.Job) Artifact {
	if j.State != storage.StateSigning && j.State != storage.StateAuditing {
		return ArtifactNone
	}
	if j.ArtifactPath == "" {
		return ArtifactNone
	}
	sig, err := s.archive.Check(j.ArtifactPath)
	switch {
	case err == nil && sig.SHA256 == j.OutputHash:
		return ArtifactValid
	case err == nil, errors.Is(err, archive.ErrCorrupt):
		return ArtifactInvalid
	case errors.Is(err, archive.ErrMissing):
		return ArtifactNone
	}
	s.logger.Warn("artifact check failed", "job_id", j.ID, "error", err)
	return ArtifactInvalid
}

func (s *Service) apply(j storage.Job, interrupted bool, a Action) error {
	if a.ClearArtifact || a.Kind == DeadLetter {
		if err := s.withClaim(j.ID, func() error {
			if a.ClearArtifact {
				if err := s.archive.RemoveJob(j.ID); err != nil {
					return fmt.Errorf("removing artifact: %w", err)
				}
				if err := s.store.SetArtifact(j.ID, s.owner, "", ""); err != nil {
					return err
				}
			}
			if a.Kind == DeadLetter {
				return s.store.SetDisposition(j.ID, s.owner, storage.DispositionDeadLettered, a.Reason, a.Detail)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if a.Kind == DeadLetter {
		return nil
	}
	if interrupted || a.State != j.State {
		lastError := j.LastError
		if interrupted && lastError == "" {
			lastError = "interrupted by restart"
		}
		return s.store.RecoverJob(j.ID, a.State, a.Attempts, lastError)
	}
	return nil
}

func (s *Service) withClaim(id string, fn func() error) error {
	if err := s.store.ClaimJob(id, s.owner); err != nil {
		return err
	}
	defer s.store.ReleaseJob(id, s.owner)
	return fn()
}

func (s *Service) adoptOrphans(ctx context.Context) (int, error) {
	if s.adopter == nil || s.processingDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.processingDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scanning processing dir: %w", err)
	}
	var n int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, err := s.adopter.Adopt(ctx, filepath.Join(s.processingDir, e.Name()))
		if err != nil {
			s.logger.Warn("failed to adopt orphan file", "file", e.Name(), "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

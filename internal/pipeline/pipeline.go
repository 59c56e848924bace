// Package pipeline is the job state machine. Each non-terminal state maps to
// one stage function that computes in memory, records a stage result, appends
// its ledger fact and then transitions. Stages are safe to re-enter: inputs
// lost in a crash are recomputed from the stored file, and ledger facts are
// idempotent per job and event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/storage"
	"github.com/kalambet/scrubd/internal/validate"
)

var (
	// ErrSelfCheck is returned when redacted output still exposes text under
	// a redacted region. It is fatal for the job.
	ErrSelfCheck = errors.New("redaction self-check failed")
	// ErrLedgerUnavailable wraps ledger append failures.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrHeld is returned when a ledger fact could not be committed within
	// the hold window. The job keeps its state and should be requeued.
	ErrHeld = errors.New("job held")

	errArtifactLost = errors.New("signed artifact repeatedly lost")
)

// Store is the job persistence the orchestrator needs. *storage.Store satisfies it.
type Store interface {
	GetJob(id string) (storage.Job, error)
	ClaimJob(id, owner string) error
	ReleaseJob(id, owner string) error
	Transition(id, owner, from, to string) error
	RecordAttempt(id, owner, errMsg string) (int, error)
	AppendStageResult(id, owner string, r storage.StageResult) error
	SetEntityCounts(id, owner string, counts map[string]int) error
	SetArtifact(id, owner, path, outputHash string) error
	SetDisposition(id, owner, disposition, reason, detail string) error
	SetStoredPath(id, owner, path string) error
	HasLedgerEvent(jobID, eventType string) (bool, error)
}

// Ledger appends and verifies audit facts. *ledger.Ledger satisfies it.
type Ledger interface {
	Append(ctx context.Context, ev ledger.Event) (storage.LedgerEntry, error)
	VerifyJob(jobID string) (ledger.Report, error)
}

// DeadLetters is the Dead-Letter Sink. *deadletter.Sink satisfies it.
type DeadLetters interface {
	Put(ctx context.Context, job storage.Job, reason, detail string) (string, error)
}

// Archive stores signed artifacts. *archive.Store satisfies it.
type Archive interface {
	Put(jobID string, sd adapter.SignedDocument) (string, error)
	Check(path string) (adapter.Signature, error)
	RemoveJob(jobID string) error
}

// Adapters are the capability providers the stages call.
type Adapters struct {
	Extractor adapter.Extractor
	// Detectors run in order; their results are filtered and merged.
	Detectors []adapter.Detector
	Redactor  adapter.Redactor
	Signer    adapter.Signer
}

// Config holds the retry and timing limits.
type Config struct {
	StageTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LedgerHold   time.Duration
	// RejectedDir receives files that failed validation.
	RejectedDir string
	// OriginalsDir receives source files of archived jobs.
	OriginalsDir string
}

func (c *Config) setDefaults() {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * time.Second
	}
	if c.LedgerHold < 0 {
		c.LedgerHold = 0
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store       Store
	Ledger      Ledger
	DeadLetters DeadLetters
	Archive     Archive
	Adapters    Adapters
}

// Orchestrator drives jobs through the stage sequence to a terminal state.
type Orchestrator struct {
	store    Store
	ledger   Ledger
	dlq      DeadLetters
	archive  Archive
	adapters Adapters
	cfg      Config
	stages   map[string]stageFunc

	logger *slog.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the time source used for stage timings and the hold window.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithSleep overrides how backoff waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator. Zero Config fields take their defaults.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		store:    deps.Store,
		ledger:   deps.Ledger,
		dlq:      deps.DeadLetters,
		archive:  deps.Archive,
		adapters: deps.Adapters,
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    time.Now,
		sleep:    sleepCtx,
	}
	o.stages = map[string]stageFunc{
		storage.StateValidating: o.validateStage,
		storage.StateExtracting: o.extractStage,
		storage.StateDetecting:  o.detectStage,
		storage.StateRedacting:  o.redactStage,
		storage.StateSigning:    o.signStage,
		storage.StateAuditing:   o.auditStage,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// work is the in-memory state of one Process call. PII-bearing content
// lives only here and is dropped when Process returns.
type work struct {
	job       storage.Job
	owner     string
	policy    policy.Policy
	doc       *adapter.Document
	ext       *adapter.Extraction
	entities  []adapter.Entity
	regions   []adapter.Region
	redacted  *adapter.Document
	rollbacks int
}

// Process claims jobID for owner and drives it until it reaches a terminal
// state, is held, or ctx ends. A terminal job is a no-op. The claim is
// released on return.
func (o *Orchestrator) Process(ctx context.Context, jobID, owner string) error {
	if err := o.store.ClaimJob(jobID, owner); err != nil {
		if errors.Is(err, storage.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	defer func() {
		if err := o.store.ReleaseJob(jobID, owner); err != nil {
			o.logger.Error("failed to release job", "job_id", jobID, "error", err)
		}
	}()

	w := &work{owner: owner}
	loaded := false
	for {
		job, err := o.store.GetJob(jobID)
		if err != nil {
			return fmt.Errorf("loading job %s: %w", jobID, err)
		}
		if storage.IsTerminal(job.State) {
			o.logger.Info("job finished", "job_id", jobID, "state", job.State, "reason", job.Reason)
			return nil
		}
		if job.Owner != owner {
			return fmt.Errorf("job %s: %w", jobID, storage.ErrStale)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.job = job
		if !loaded {
			if w.policy, err = policy.Decode(job.PolicyJSON); err != nil {
				return fmt.Errorf("job %s: %w", jobID, err)
			}
			loaded = true
		}

		if job.Disposition != "" {
			err = o.finish(ctx, w)
		} else {
			err = o.step(ctx, w)
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) step(ctx context.Context, w *work) error {
	state := w.job.State
	if state == storage.StatePending {
		return o.store.Transition(w.job.ID, w.owner, storage.StatePending, storage.StateValidating)
	}
	run, ok := o.stages[state]
	if !ok {
		return fmt.Errorf("job %s: no stage for state %q", w.job.ID, state)
	}

	start := o.clock()
	out, err := run(ctx, w)
	if err != nil {
		return o.fail(ctx, w, err)
	}
	if out.rollback != "" {
		return o.store.Transition(w.job.ID, w.owner, state, out.rollback)
	}

	dur := o.clock().Sub(start)
	err = o.store.AppendStageResult(w.job.ID, w.owner, storage.StageResult{
		Stage:      state,
		Outcome:    "ok",
		DurationMS: dur.Milliseconds(),
		Counts:     out.counts,
		At:         o.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording %s result: %w", state, err)
	}
	if _, err := o.appendHeld(ctx, ledger.Event{JobID: w.job.ID, Type: out.event, Payload: out.payload}); err != nil {
		return err
	}
	if out.check != nil {
		if err := out.check(); err != nil {
			return err
		}
	}
	if err := o.store.Transition(w.job.ID, w.owner, state, out.next); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", state, out.next, err)
	}
	o.logger.Info("stage complete", "job_id", w.job.ID, "stage", state, "next", out.next, "duration_ms", dur.Milliseconds())
	return nil
}

// fail classifies a stage error. Rejections and fatal errors start a
// terminal disposition; transient errors are counted and backed off until
// the attempt budget is spent.
func (o *Orchestrator) fail(ctx context.Context, w *work, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrHeld) || errors.Is(err, ledger.ErrIntegrity) {
		return err
	}
	if rej, ok := validate.AsRejection(err); ok {
		return o.dispose(w, storage.DispositionRejected, rej.Reason, rej.Detail)
	}
	if errors.Is(err, adapter.ErrKeyUnavailable) {
		return o.dispose(w, storage.DispositionDeadLettered, deadletter.ReasonSigningFailed, err.Error())
	}
	if errors.Is(err, errArtifactLost) {
		return o.dispose(w, storage.DispositionDeadLettered, deadletter.ReasonRetriesExhausted, err.Error())
	}
	if errors.Is(err, ErrSelfCheck) {
		return o.dispose(w, storage.DispositionDeadLettered, deadletter.ReasonSelfCheckFailed, err.Error())
	}

	attempts, aerr := o.store.RecordAttempt(w.job.ID, w.owner, err.Error())
	if aerr != nil {
		return fmt.Errorf("recording attempt: %w", aerr)
	}
	o.logger.Warn("stage failed", "job_id", w.job.ID, "stage", w.job.State, "attempt", attempts, "error", err)
	if attempts >= o.cfg.MaxAttempts {
		return o.dispose(w, storage.DispositionDeadLettered, deadletter.ReasonRetriesExhausted, err.Error())
	}
	return o.sleep(ctx, o.backoff(attempts))
}

// dispose persists the terminal intent. The side effects run in finish on
// the next loop iteration, or on the next run after a crash.
func (o *Orchestrator) dispose(w *work, disposition, reason, detail string) error {
	if err := o.store.SetDisposition(w.job.ID, w.owner, disposition, reason, detail); err != nil {
		return fmt.Errorf("recording disposition: %w", err)
	}
	return nil
}

// finish completes a recorded disposition: file custody, ledger fact, then
// the terminal transition.
func (o *Orchestrator) finish(ctx context.Context, w *work) error {
	job := w.job
	archived, err := o.store.HasLedgerEvent(job.ID, ledger.EventArchived)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if archived {
		// Archival is committed; drop the disposition and let Auditing complete.
		o.logger.Warn("discarding disposition of archived job", "job_id", job.ID, "disposition", job.Disposition, "reason", job.Reason)
		return o.store.SetDisposition(job.ID, w.owner, "", "", job.LastError)
	}
	switch job.Disposition {
	case storage.DispositionRejected:
		dest, err := relocate(job.StoredPath, o.cfg.RejectedDir, job.ID)
		if err != nil {
			return fmt.Errorf("moving rejected file: %w", err)
		}
		if dest != job.StoredPath {
			if err := o.store.SetStoredPath(job.ID, w.owner, dest); err != nil {
				return err
			}
		}
		_, err = o.appendHeld(ctx, ledger.Event{
			JobID:   job.ID,
			Type:    ledger.EventRejected,
			Payload: map[string]any{"reason": job.Reason, "state": job.State},
		})
		if err != nil {
			return err
		}
		if err := o.store.Transition(job.ID, w.owner, job.State, storage.StateRejected); err != nil {
			return fmt.Errorf("transition to %s: %w", storage.StateRejected, err)
		}
		o.logger.Warn("job rejected", "job_id", job.ID, "reason", job.Reason)
		return nil

	case storage.DispositionDeadLettered:
		if err := o.archive.RemoveJob(job.ID); err != nil {
			return fmt.Errorf("removing partial artifact: %w", err)
		}
		if job.ArtifactPath != "" {
			if err := o.store.SetArtifact(job.ID, w.owner, "", ""); err != nil {
				return err
			}
		}
		ref, err := o.dlq.Put(ctx, job, job.Reason, job.LastError)
		if err != nil {
			if errors.Is(err, ledger.ErrStopped) || ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrHeld, err)
		}
		if ref != job.StoredPath {
			if err := o.store.SetStoredPath(job.ID, w.owner, ref); err != nil {
				return err
			}
		}
		if err := o.store.Transition(job.ID, w.owner, job.State, storage.StateDeadLettered); err != nil {
			return fmt.Errorf("transition to %s: %w", storage.StateDeadLettered, err)
		}
		return nil
	}
	return fmt.Errorf("job %s: unknown disposition %q", job.ID, job.Disposition)
}

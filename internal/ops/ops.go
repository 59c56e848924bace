// Package ops is the operational surface shared by the HTTP API, the MCP
// tools and the CLI: status and audit queries, ledger verification, policy
// updates, dead-letter actions, alarms and stats.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/scrubd/internal/export"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/scheduler"
	"github.com/kalambet/scrubd/internal/storage"
)

// ErrInvalidPolicy wraps policy documents that fail to parse or validate.
var ErrInvalidPolicy = errors.New("invalid policy")

// Store is the read side of the repository. *storage.Store satisfies it.
type Store interface {
	GetJob(id string) (storage.Job, error)
	ListJobs(state string, limit int) ([]storage.Job, error)
	LedgerRange(from, to int64) ([]storage.LedgerEntry, error)
	ListAlarms(openOnly bool) ([]storage.Alarm, error)
	ClearAlarm(id int64) error
	Stats() (storage.Stats, error)
}

// Ledger reads and verifies the chain. *ledger.Ledger satisfies it.
type Ledger interface {
	Entries(jobID string) ([]storage.LedgerEntry, error)
	Verify(from, to int64) (ledger.Report, error)
	VerifyJob(jobID string) (ledger.Report, error)
}

// Policies serves and records policy versions. *policy.Manager satisfies it.
type Policies interface {
	Current() policy.Snapshot
	Update(p policy.Policy) (policy.Snapshot, error)
}

// DeadLetters is the operator side of the sink. *deadletter.Sink satisfies it.
type DeadLetters interface {
	List(status string, limit int) ([]storage.DeadLetter, error)
	Retry(ctx context.Context, jobID string) (storage.Job, error)
	Purge(ctx context.Context, jobID string) error
}

// Queue accepts retried jobs and reports pool gauges. *scheduler.Pool satisfies it.
type Queue interface {
	Submit(jobID string)
	Stats() scheduler.Stats
}

// JobStatus is a job as reported to operators. It carries no document
// content, only paths, counts and hashes.
type JobStatus struct {
	ID            string                `json:"id"`
	State         string                `json:"state"`
	Reason        string                `json:"reason,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	AttemptCount  int                   `json:"attempt_count"`
	InProgress    bool                  `json:"in_progress"`
	SourcePath    string                `json:"source_path"`
	StoredPath    string                `json:"stored_path,omitempty"`
	ContentHash   string                `json:"content_hash"`
	PolicyVersion int                   `json:"policy_version"`
	ArtifactPath  string                `json:"artifact_path,omitempty"`
	OutputHash    string                `json:"output_hash,omitempty"`
	EntityCount   int                   `json:"entity_count"`
	EntityCounts  map[string]int        `json:"entity_counts,omitempty"`
	Stages        []storage.StageResult `json:"stages,omitempty"`
	RetryOf       string                `json:"retry_of,omitempty"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at"`
}

func statusOf(j storage.Job) JobStatus {
	return JobStatus{
		ID:            j.ID,
		State:         j.State,
		Reason:        j.Reason,
		LastError:     j.LastError,
		AttemptCount:  j.AttemptCount,
		InProgress:    j.Owner != "",
		SourcePath:    j.SourcePath,
		StoredPath:    j.StoredPath,
		ContentHash:   j.ContentHash,
		PolicyVersion: j.PolicyVersion,
		ArtifactPath:  j.ArtifactPath,
		OutputHash:    j.OutputHash,
		EntityCount:   j.EntityCount,
		EntityCounts:  j.EntityCounts,
		Stages:        j.StageResults,
		RetryOf:       j.RetryOf,
		CreatedAt:     storage.FormatTime(j.CreatedAt),
		UpdatedAt:     storage.FormatTime(j.UpdatedAt),
	}
}

// Audit is a job's ledger slice with the result of verifying it.
type Audit struct {
	JobID   string                `json:"job_id"`
	State   string                `json:"state"`
	Entries []storage.LedgerEntry `json:"entries"`
	Verify  ledger.Report         `json:"verify"`
}

// Stats combines repository totals with pool gauges.
type Stats struct {
	storage.Stats
	Pool scheduler.Stats `json:"pool"`
}

type Service struct {
	store    Store
	ledger   Ledger
	policies Policies
	dlq      DeadLetters
	queue    Queue
	logger   *slog.Logger
}

func New(store Store, l Ledger, policies Policies, dlq DeadLetters, queue Queue) *Service {
	return &Service{
		store:    store,
		ledger:   l,
		policies: policies,
		dlq:      dlq,
		queue:    queue,
		logger:   slog.Default(),
	}
}

// JobStatus returns the current state of one job.
func (s *Service) JobStatus(id string) (JobStatus, error) {
	j, err := s.store.GetJob(id)
	if err != nil {
		return JobStatus{}, fmt.Errorf("job %s: %w", id, err)
	}
	return statusOf(j), nil
}

// ListJobs returns recent jobs, optionally filtered by state.
func (s *Service) ListJobs(state string, limit int) ([]JobStatus, error) {
	jobs, err := s.store.ListJobs(state, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, statusOf(j))
	}
	return out, nil
}

// Audit returns the job's ledger entries and a verification of them.
func (s *Service) Audit(jobID string) (Audit, error) {
	j, err := s.store.GetJob(jobID)
	if err != nil {
		return Audit{}, fmt.Errorf("job %s: %w", jobID, err)
	}
	entries, err := s.ledger.Entries(jobID)
	if err != nil {
		return Audit{}, fmt.Errorf("reading ledger: %w", err)
	}
	rep, err := s.ledger.VerifyJob(jobID)
	if err != nil {
		return Audit{}, fmt.Errorf("verifying job entries: %w", err)
	}
	if entries == nil {
		entries = []storage.LedgerEntry{}
	}
	return Audit{JobID: jobID, State: j.State, Entries: entries, Verify: rep}, nil
}

// Verify recomputes the chain over from..to; to <= 0 means the tail.
func (s *Service) Verify(from, to int64) (ledger.Report, error) {
	return s.ledger.Verify(from, to)
}

// ExportLedger renders the range as XLSX together with its verification.
func (s *Service) ExportLedger(from, to int64) ([]byte, error) {
	rep, err := s.ledger.Verify(from, to)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.LedgerRange(rep.From, rep.To)
	if err != nil {
		return nil, fmt.Errorf("reading ledger range: %w", err)
	}
	return export.LedgerXLSX(entries, rep)
}

// Policy returns the snapshot new jobs are accepted under.
func (s *Service) Policy() policy.Snapshot {
	return s.policies.Current()
}

// UpdatePolicy parses a YAML or JSON document and stores it as the next
// version. Jobs already accepted keep the snapshot they were created with.
func (s *Service) UpdatePolicy(doc []byte) (policy.Snapshot, error) {
	p, err := policy.Parse(doc)
	if err != nil {
		return policy.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	snap, err := s.policies.Update(p)
	if err != nil {
		return policy.Snapshot{}, err
	}
	s.logger.Info("policy updated", "version", snap.Version)
	return snap, nil
}

// DeadLetters lists records, optionally filtered by status.
func (s *Service) DeadLetters(status string, limit int) ([]storage.DeadLetter, error) {
	return s.dlq.List(status, limit)
}

// RetryDeadLetter creates a linked job for a held record and queues it.
func (s *Service) RetryDeadLetter(ctx context.Context, jobID string) (JobStatus, error) {
	j, err := s.dlq.Retry(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	s.queue.Submit(j.ID)
	return statusOf(j), nil
}

// PurgeDeadLetter deletes the quarantined file; the ledger keeps the history.
func (s *Service) PurgeDeadLetter(ctx context.Context, jobID string) error {
	return s.dlq.Purge(ctx, jobID)
}

func (s *Service) Alarms(openOnly bool) ([]storage.Alarm, error) {
	return s.store.ListAlarms(openOnly)
}

func (s *Service) ClearAlarm(id int64) error {
	return s.store.ClearAlarm(id)
}

func (s *Service) Stats() (Stats, error) {
	st, err := s.store.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	out := Stats{Stats: st}
	if s.queue != nil {
		out.Pool = s.queue.Stats()
	}
	return out, nil
}

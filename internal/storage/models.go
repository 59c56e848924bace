package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a non-terminal job already covers the same content.
	ErrDuplicate = errors.New("duplicate content")
	// ErrClaimed is returned when another worker holds the job's in-progress marker.
	ErrClaimed = errors.New("job already in progress")
	// ErrTerminal is returned when claiming a job that already reached a terminal state.
	ErrTerminal = errors.New("job is terminal")
	// ErrStale is returned when a conditional update matched no row: the caller
	// no longer owns the job or the job moved on.
	ErrStale = errors.New("stale job update")
)

// Job states.
const (
	StatePending      = "Pending"
	StateValidating   = "Validating"
	StateExtracting   = "Extracting"
	StateDetecting    = "Detecting"
	StateRedacting    = "Redacting"
	StateSigning      = "Signing"
	StateAuditing     = "Auditing"
	StateArchived     = "Archived"
	StateRejected     = "Rejected"
	StateDeadLettered = "DeadLettered"
)

// Pending terminal dispositions recorded before the terminal side effects run.
const (
	DispositionRejected     = "rejected"
	DispositionDeadLettered = "dead_lettered"
)

// IsTerminal reports whether state is one of the terminal job states.
func IsTerminal(state string) bool {
	switch state {
	case StateArchived, StateRejected, StateDeadLettered:
		return true
	}
	return false
}

type Job struct {
	ID            string
	SourcePath    string // where the file was dropped
	StoredPath    string // where the file currently lives
	ContentHash   string
	State         string
	AttemptCount  int
	Owner         string // in-progress marker; empty when unclaimed
	ClaimedAt     time.Time
	PolicyVersion int
	PolicyJSON    string
	Disposition   string
	Reason        string
	LastError     string
	ArtifactPath  string
	OutputHash    string
	EntityCount   int
	EntityCounts  map[string]int
	StageResults  []StageResult
	RetryOf       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StageResult is a PII-free summary of one completed stage attempt.
type StageResult struct {
	Stage      string         `json:"stage"`
	Outcome    string         `json:"outcome"`
	DurationMS int64          `json:"duration_ms"`
	Counts     map[string]int `json:"counts,omitempty"`
	At         time.Time      `json:"at"`
}

type LedgerEntry struct {
	Seq         int64     `json:"seq"`
	JobID       string    `json:"job_id"`
	EventType   string    `json:"event_type"`
	PayloadHash string    `json:"payload_hash"`
	Timestamp   time.Time `json:"timestamp_utc"`
	PrevHash    string    `json:"prev_entry_hash"`
	EntryHash   string    `json:"entry_hash"`
}

// Dead-letter statuses.
const (
	DeadLetterHeld    = "held"
	DeadLetterRetried = "retried"
)

type DeadLetter struct {
	JobID      string    `json:"job_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	FileRef    string    `json:"file_ref,omitempty"`
	Status     string    `json:"status"`
	RetryJobID string    `json:"retry_job_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Alarm struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	RaisedAt  time.Time `json:"raised_at"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`
}

// Stats aggregates job outcomes.
type Stats struct {
	Total             int            `json:"total"`
	ByState           map[string]int `json:"by_state"`
	TotalEntities     int            `json:"total_entities"`
	AvgArchiveSeconds float64        `json:"avg_archive_seconds"`
	LedgerEntries     int64          `json:"ledger_entries"`
	DeadLettersHeld   int            `json:"dead_letters_held"`
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const jobColumns = `id, source_path, stored_path, content_hash, state, attempt_count, owner, claimed_at,
	policy_version, policy_json, disposition, reason, last_error, artifact_path, output_hash,
	entity_count, entity_counts, stage_results, retry_of, created_at, updated_at`

const terminalList = `('Archived', 'Rejected', 'DeadLettered')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var claimedAt, createdAt, updatedAt, counts, results string
	err := row.Scan(
		&j.ID, &j.SourcePath, &j.StoredPath, &j.ContentHash, &j.State, &j.AttemptCount, &j.Owner, &claimedAt,
		&j.PolicyVersion, &j.PolicyJSON, &j.Disposition, &j.Reason, &j.LastError, &j.ArtifactPath, &j.OutputHash,
		&j.EntityCount, &counts, &results, &j.RetryOf, &createdAt, &updatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if j.ClaimedAt, err = ParseTime(claimedAt); err != nil {
		return Job{}, fmt.Errorf("parsing claimed_at for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = ParseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(counts), &j.EntityCounts); err != nil {
		return Job{}, fmt.Errorf("parsing entity_counts for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &j.StageResults); err != nil {
		return Job{}, fmt.Errorf("parsing stage_results for job %s: %w", j.ID, err)
	}
	return j, nil
}

// CreateJob inserts a new job. When the job carries a content hash and a
// non-terminal job with the same hash exists, it returns ErrDuplicate; the
// check and the insert share one transaction.
func (s *Store) CreateJob(j Job) error {
	ts := now()
	if !j.CreatedAt.IsZero() {
		ts = FormatTime(j.CreatedAt)
	}
	if j.State == "" {
		j.State = StatePending
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	if j.ContentHash != "" && !IsTerminal(j.State) {
		var existing string
		err := tx.QueryRow(`SELECT id FROM jobs WHERE content_hash = ? AND state NOT IN `+terminalList+` LIMIT 1`,
			j.ContentHash).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: job %s", ErrDuplicate, existing)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking duplicates: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO jobs (id, source_path, stored_path, content_hash, state, policy_version, policy_json,
			disposition, reason, retry_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SourcePath, j.StoredPath, j.ContentHash, j.State, j.PolicyVersion, j.PolicyJSON,
		j.Disposition, j.Reason, j.RetryOf, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// FindActiveByHash returns the non-terminal job holding contentHash.
func (s *Store) FindActiveByHash(contentHash string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE content_hash = ? AND state NOT IN `+terminalList+` LIMIT 1`, contentHash))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns the most recent jobs, optionally filtered by state.
func (s *Store) ListJobs(state string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at DESC LIMIT ?`, state, limit)
	}
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListUnfinishedJobs returns every non-terminal job, oldest first.
func (s *Store) ListUnfinishedJobs() ([]Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs WHERE state NOT IN ` + terminalList + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob sets the in-progress marker to owner. It fails with ErrClaimed
// when another owner holds it and ErrTerminal when the job is finished.
func (s *Store) ClaimJob(id, owner string) error {
	ts := now()
	res, err := s.db.Exec(`UPDATE jobs SET owner = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND owner = '' AND state NOT IN `+terminalList, owner, ts, ts, id)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	j, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if IsTerminal(j.State) {
		return ErrTerminal
	}
	return ErrClaimed
}

// ReleaseJob clears the in-progress marker if owner still holds it.
func (s *Store) ReleaseJob(id, owner string) error {
	_, err := s.db.Exec(`UPDATE jobs SET owner = '', claimed_at = '' WHERE id = ? AND owner = ?`, id, owner)
	return err
}

// ReleaseAllClaims clears every in-progress marker and returns the ids that
// were held. Only safe before any worker starts.
func (s *Store) ReleaseAllClaims() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE owner != ''`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE jobs SET owner = '', claimed_at = '' WHERE owner != ''`); err != nil {
		return nil, err
	}
	return ids, nil
}

// Transition moves a job from one state to the next. The update is
// conditional on owner and from; terminal targets also release the marker.
func (s *Store) Transition(id, owner, from, to string) error {
	q := `UPDATE jobs SET state = ?, attempt_count = 0, last_error = '', updated_at = ?
		WHERE id = ? AND owner = ? AND state = ?`
	if IsTerminal(to) {
		q = `UPDATE jobs SET state = ?, owner = '', claimed_at = '', updated_at = ?
		WHERE id = ? AND owner = ? AND state = ?`
	}
	return s.execGuarded(q, to, now(), id, owner, from)
}

// RecordAttempt increments the stage attempt counter and returns the new value.
func (s *Store) RecordAttempt(id, owner, errMsg string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning attempt transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT attempt_count FROM jobs WHERE id = ? AND owner = ?`, id, owner).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrStale
	}
	if err != nil {
		return 0, err
	}
	attempts++
	if _, err := tx.Exec(`UPDATE jobs SET attempt_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		attempts, errMsg, now(), id); err != nil {
		return 0, err
	}
	return attempts, tx.Commit()
}

// AppendStageResult appends r to the job's stage result sequence.
func (s *Store) AppendStageResult(id, owner string, r StageResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stage result transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT stage_results FROM jobs WHERE id = ? AND owner = ?`, id, owner).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrStale
	}
	if err != nil {
		return err
	}
	var results []StageResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return fmt.Errorf("parsing stage_results: %w", err)
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	results = append(results, r)
	out, err := json.Marshal(results)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE jobs SET stage_results = ?, updated_at = ? WHERE id = ?`, string(out), now(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetEntityCounts stores the per-category entity counts of the merged detection.
func (s *Store) SetEntityCounts(id, owner string, counts map[string]int) error {
	if counts == nil {
		counts = map[string]int{}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	out, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return s.execGuarded(`UPDATE jobs SET entity_counts = ?, entity_count = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		string(out), total, now(), id, owner)
}

// SetArtifact records the signed output location and its hash.
func (s *Store) SetArtifact(id, owner, path, outputHash string) error {
	return s.execGuarded(`UPDATE jobs SET artifact_path = ?, output_hash = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		path, outputHash, now(), id, owner)
}

// SetDisposition records the pending terminal disposition, with its reason
// code and a human-readable detail, before its side effects run.
func (s *Store) SetDisposition(id, owner, disposition, reason, detail string) error {
	return s.execGuarded(`UPDATE jobs SET disposition = ?, reason = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND owner = ? AND state NOT IN `+terminalList,
		disposition, reason, detail, now(), id, owner)
}

// SetStoredPath records where the job's input file currently lives.
func (s *Store) SetStoredPath(id, owner, path string) error {
	return s.execGuarded(`UPDATE jobs SET stored_path = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		path, now(), id, owner)
}

// RecoverJob resets an unclaimed, non-terminal job to state with the given
// attempt count. Used by reconciliation only.
func (s *Store) RecoverJob(id, state string, attempts int, lastError string) error {
	return s.execGuarded(`UPDATE jobs SET state = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND owner = '' AND state NOT IN `+terminalList,
		state, attempts, lastError, now(), id)
}

func (s *Store) execGuarded(q string, args ...any) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Stats aggregates job totals, entity counts and archive latency.
func (s *Store) Stats() (Stats, error) {
	st := Stats{ByState: map[string]int{}}
	rows, err := s.db.Query(`SELECT state, COUNT(*), COALESCE(SUM(entity_count), 0) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var state string
		var n, entities int
		if err := rows.Scan(&state, &n, &entities); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.ByState[state] = n
		st.Total += n
		st.TotalEntities += entities
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRow(`SELECT AVG((julianday(updated_at) - julianday(created_at)) * 86400.0)
		FROM jobs WHERE state = 'Archived'`).Scan(&avg)
	if err != nil {
		return Stats{}, fmt.Errorf("computing archive latency: %w", err)
	}
	st.AvgArchiveSeconds = avg.Float64

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ledger`).Scan(&st.LedgerEntries); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE status = 'held'`).Scan(&st.DeadLettersHeld); err != nil {
		return Stats{}, err
	}
	return st, nil
}

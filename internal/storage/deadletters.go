package storage

import (
	"database/sql"
	"fmt"
)

const deadLetterColumns = `job_id, state, reason, detail, file_ref, status, retry_job_id, created_at, updated_at`

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var d DeadLetter
	var createdAt, updatedAt string
	if err := row.Scan(&d.JobID, &d.State, &d.Reason, &d.Detail, &d.FileRef, &d.Status, &d.RetryJobID, &createdAt, &updatedAt); err != nil {
		return DeadLetter{}, err
	}
	var err error
	if d.CreatedAt, err = ParseTime(createdAt); err != nil {
		return DeadLetter{}, fmt.Errorf("parsing created_at for dead letter %s: %w", d.JobID, err)
	}
	if d.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return DeadLetter{}, fmt.Errorf("parsing updated_at for dead letter %s: %w", d.JobID, err)
	}
	return d, nil
}

// SaveDeadLetter persists d. Saving a record for a job that already has one
// is a no-op, so an interrupted dead-lettering can simply be repeated.
func (s *Store) SaveDeadLetter(d DeadLetter) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO dead_letters (job_id, state, reason, detail, file_ref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'held', ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		d.JobID, d.State, d.Reason, d.Detail, d.FileRef, ts, ts,
	)
	return err
}

func (s *Store) GetDeadLetter(jobID string) (DeadLetter, error) {
	d, err := scanDeadLetter(s.db.QueryRow(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE job_id = ?`, jobID))
	if err == sql.ErrNoRows {
		return DeadLetter{}, ErrNotFound
	}
	return d, err
}

// ListDeadLetters returns records newest first, optionally filtered by status.
func (s *Store) ListDeadLetters(status string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDeadLetterRetried links a held record to the job created by an operator retry.
func (s *Store) MarkDeadLetterRetried(jobID, retryJobID string) error {
	return s.execGuarded(`UPDATE dead_letters SET status = 'retried', retry_job_id = ?, updated_at = ?
		WHERE job_id = ? AND status = 'held'`, retryJobID, now(), jobID)
}

// DeleteDeadLetter removes the record. The job row itself is kept.
func (s *Store) DeleteDeadLetter(jobID string) error {
	res, err := s.db.Exec(`DELETE FROM dead_letters WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

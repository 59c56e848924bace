package storage

import (
	"database/sql"
	"fmt"
)

const ledgerColumns = `seq, job_id, event_type, payload_hash, timestamp_utc, prev_entry_hash, entry_hash`

func scanLedgerEntry(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	var ts string
	if err := row.Scan(&e.Seq, &e.JobID, &e.EventType, &e.PayloadHash, &ts, &e.PrevHash, &e.EntryHash); err != nil {
		return LedgerEntry{}, err
	}
	t, err := ParseTime(ts)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("parsing timestamp of entry %d: %w", e.Seq, err)
	}
	e.Timestamp = t
	return e, nil
}

// AppendLedger appends one entry inside a single transaction. If the job
// already has an entry of eventType, that entry is returned with false and
// build is not called. Otherwise build receives the current tail (nil for an
// empty ledger) and returns the fully hashed entry to insert.
func (s *Store) AppendLedger(jobID, eventType string, build func(tail *LedgerEntry) (LedgerEntry, error)) (LedgerEntry, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanLedgerEntry(tx.QueryRow(`SELECT `+ledgerColumns+` FROM ledger WHERE job_id = ? AND event_type = ?`,
		jobID, eventType))
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return LedgerEntry{}, false, fmt.Errorf("checking existing entry: %w", err)
	}

	var tail *LedgerEntry
	last, err := scanLedgerEntry(tx.QueryRow(`SELECT ` + ledgerColumns + ` FROM ledger ORDER BY seq DESC LIMIT 1`))
	switch {
	case err == nil:
		tail = &last
	case err != sql.ErrNoRows:
		return LedgerEntry{}, false, fmt.Errorf("reading ledger tail: %w", err)
	}

	e, err := build(tail)
	if err != nil {
		return LedgerEntry{}, false, err
	}

	_, err = tx.Exec(`INSERT INTO ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.JobID, e.EventType, e.PayloadHash, FormatTime(e.Timestamp), e.PrevHash, e.EntryHash)
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("inserting ledger entry %d: %w", e.Seq, err)
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("committing ledger entry %d: %w", e.Seq, err)
	}
	return e, true, nil
}

// LedgerTail returns the entry with the highest sequence number.
func (s *Store) LedgerTail() (LedgerEntry, error) {
	e, err := scanLedgerEntry(s.db.QueryRow(`SELECT ` + ledgerColumns + ` FROM ledger ORDER BY seq DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return LedgerEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) LedgerEntryAt(seq int64) (LedgerEntry, error) {
	e, err := scanLedgerEntry(s.db.QueryRow(`SELECT `+ledgerColumns+` FROM ledger WHERE seq = ?`, seq))
	if err == sql.ErrNoRows {
		return LedgerEntry{}, ErrNotFound
	}
	return e, err
}

// LedgerRange returns entries with from <= seq <= to in order. A to of zero
// or less means "through the tail".
func (s *Store) LedgerRange(from, to int64) ([]LedgerEntry, error) {
	var rows *sql.Rows
	var err error
	if to > 0 {
		rows, err = s.db.Query(`SELECT `+ledgerColumns+` FROM ledger WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	} else {
		rows, err = s.db.Query(`SELECT `+ledgerColumns+` FROM ledger WHERE seq >= ? ORDER BY seq ASC`, from)
	}
	if err != nil {
		return nil, err
	}
	return collectLedger(rows)
}

// LedgerByJob returns a job's entries in sequence order.
func (s *Store) LedgerByJob(jobID string) ([]LedgerEntry, error) {
	rows, err := s.db.Query(`SELECT `+ledgerColumns+` FROM ledger WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectLedger(rows)
}

// HasLedgerEvent reports whether the job already has an entry of eventType.
func (s *Store) HasLedgerEvent(jobID, eventType string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ledger WHERE job_id = ? AND event_type = ?`, jobID, eventType).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func collectLedger(rows *sql.Rows) ([]LedgerEntry, error) {
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package storage

import (
	"database/sql"
	"fmt"
)

// --- Policies ---

// SavePolicy stores a new policy version and returns its number.
func (s *Store) SavePolicy(policyJSON string) (int, error) {
	res, err := s.db.Exec(`INSERT INTO policies (policy_json, created_at) VALUES (?, ?)`, policyJSON, now())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

// CurrentPolicy returns the latest policy version and document.
func (s *Store) CurrentPolicy() (int, string, error) {
	var version int
	var doc string
	err := s.db.QueryRow(`SELECT version, policy_json FROM policies ORDER BY version DESC LIMIT 1`).Scan(&version, &doc)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	return version, doc, err
}

// --- Alarms ---

// RaiseAlarm records a standing alarm. An identical open alarm is not duplicated.
func (s *Store) RaiseAlarm(kind, detail string) error {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM alarms WHERE kind = ? AND detail = ? AND cleared_at = ''`, kind, detail).Scan(&id)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking open alarms: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO alarms (kind, detail, raised_at) VALUES (?, ?, ?)`, kind, detail, now())
	return err
}

// ListAlarms returns alarms newest first.
func (s *Store) ListAlarms(openOnly bool) ([]Alarm, error) {
	q := `SELECT id, kind, detail, raised_at, cleared_at FROM alarms`
	if openOnly {
		q += ` WHERE cleared_at = ''`
	}
	q += ` ORDER BY id DESC`
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alarm
	for rows.Next() {
		var a Alarm
		var raised, cleared string
		if err := rows.Scan(&a.ID, &a.Kind, &a.Detail, &raised, &cleared); err != nil {
			return nil, err
		}
		if a.RaisedAt, err = ParseTime(raised); err != nil {
			return nil, err
		}
		if a.ClearedAt, err = ParseTime(cleared); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearAlarm marks an alarm as acknowledged by an operator.
func (s *Store) ClearAlarm(id int64) error {
	res, err := s.db.Exec(`UPDATE alarms SET cleared_at = ? WHERE id = ? AND cleared_at = ''`, now(), id)
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

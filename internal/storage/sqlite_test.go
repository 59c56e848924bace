package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the schema version is stable and clean.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, dirty, err := s1.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if dirty {
		t.Fatal("schema dirty after first open")
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, _, err := s2.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v1 != v2 || v1 < 1 {
		t.Errorf("schema version = %d then %d, want stable >= 1", v1, v2)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_jobs_state", "idx_jobs_content_hash", "idx_ledger_job_event", "idx_dead_letters_status"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func appendTestEntry(t *testing.T, s *Store, jobID, event string) (LedgerEntry, bool) {
	t.Helper()
	e, inserted, err := s.AppendLedger(jobID, event, func(tail *LedgerEntry) (LedgerEntry, error) {
		seq, prev := int64(1), "genesis"
		if tail != nil {
			seq, prev = tail.Seq+1, tail.EntryHash
		}
		return LedgerEntry{
			Seq:         seq,
			JobID:       jobID,
			EventType:   event,
			PayloadHash: "p",
			Timestamp:   time.Now(),
			PrevHash:    prev,
			EntryHash:   jobID + "/" + event,
		}, nil
	})
	if err != nil {
		t.Fatalf("AppendLedger(%s, %s): %v", jobID, event, err)
	}
	return e, inserted
}

func TestAppendLedgerChainsAndDedupes(t *testing.T) {
	s := openTestStore(t)

	e1, ok := appendTestEntry(t, s, "j1", "VALIDATED")
	if !ok || e1.Seq != 1 || e1.PrevHash != "genesis" {
		t.Fatalf("first entry = %+v inserted=%v", e1, ok)
	}
	e2, ok := appendTestEntry(t, s, "j1", "EXTRACTED")
	if !ok || e2.Seq != 2 || e2.PrevHash != e1.EntryHash {
		t.Fatalf("second entry = %+v inserted=%v", e2, ok)
	}

	again, ok := appendTestEntry(t, s, "j1", "VALIDATED")
	if ok {
		t.Fatal("duplicate fact was inserted")
	}
	if again.Seq != 1 {
		t.Errorf("duplicate returned seq %d, want 1", again.Seq)
	}

	tail, err := s.LedgerTail()
	if err != nil {
		t.Fatalf("LedgerTail: %v", err)
	}
	if tail.Seq != 2 {
		t.Errorf("tail seq = %d, want 2", tail.Seq)
	}

	entries, err := s.LedgerRange(1, 0)
	if err != nil {
		t.Fatalf("LedgerRange: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("range returned %d entries, want 2", len(entries))
	}
}

func TestHasLedgerEvent(t *testing.T) {
	s := openTestStore(t)
	appendTestEntry(t, s, "j1", "ARCHIVED")

	tests := []struct {
		job, event string
		want       bool
	}{
		{"j1", "ARCHIVED", true},
		{"j1", "DEAD_LETTERED", false},
		{"j2", "ARCHIVED", false},
	}
	for _, tt := range tests {
		got, err := s.HasLedgerEvent(tt.job, tt.event)
		if err != nil {
			t.Fatalf("HasLedgerEvent(%s, %s): %v", tt.job, tt.event, err)
		}
		if got != tt.want {
			t.Errorf("HasLedgerEvent(%s, %s) = %v, want %v", tt.job, tt.event, got, tt.want)
		}
	}
}

func TestLedgerRejectsUpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	appendTestEntry(t, s, "j1", "VALIDATED")

	if _, err := s.db.Exec(`UPDATE ledger SET payload_hash = 'x' WHERE seq = 1`); err == nil {
		t.Error("UPDATE on ledger succeeded, want trigger abort")
	}
	if _, err := s.db.Exec(`DELETE FROM ledger WHERE seq = 1`); err == nil {
		t.Error("DELETE on ledger succeeded, want trigger abort")
	}
}

func TestLedgerTailEmpty(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LedgerTail(); !errors.Is(err, ErrNotFound) {
		t.Errorf("LedgerTail on empty ledger = %v, want ErrNotFound", err)
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := openTestStore(t)

	d := DeadLetter{JobID: "j1", State: StateExtracting, Reason: "ExtractionFailed", FileRef: "/q/j1.pdf"}
	if err := s.SaveDeadLetter(d); err != nil {
		t.Fatalf("SaveDeadLetter: %v", err)
	}
	d.Reason = "Other"
	if err := s.SaveDeadLetter(d); err != nil {
		t.Fatalf("SaveDeadLetter again: %v", err)
	}

	got, err := s.GetDeadLetter("j1")
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if got.Reason != "ExtractionFailed" || got.Status != DeadLetterHeld {
		t.Errorf("record = %+v, want first save kept and held", got)
	}

	if err := s.MarkDeadLetterRetried("j1", "j2"); err != nil {
		t.Fatalf("MarkDeadLetterRetried: %v", err)
	}
	if err := s.MarkDeadLetterRetried("j1", "j3"); !errors.Is(err, ErrStale) {
		t.Errorf("second retry = %v, want ErrStale", err)
	}

	held, err := s.ListDeadLetters(DeadLetterHeld, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("held records = %d, want 0", len(held))
	}

	if err := s.DeleteDeadLetter("j1"); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	if err := s.DeleteDeadLetter("j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPolicyVersions(t *testing.T) {
	s := openTestStore(t)

	if _, _, err := s.CurrentPolicy(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CurrentPolicy on empty = %v, want ErrNotFound", err)
	}
	v1, err := s.SavePolicy(`{"a":1}`)
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	v2, err := s.SavePolicy(`{"a":2}`)
	if err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("versions not increasing: %d, %d", v1, v2)
	}
	v, doc, err := s.CurrentPolicy()
	if err != nil {
		t.Fatalf("CurrentPolicy: %v", err)
	}
	if v != v2 || doc != `{"a":2}` {
		t.Errorf("CurrentPolicy = %d %s", v, doc)
	}
}

func TestAlarmsDedupeWhileOpen(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.RaiseAlarm("integrity_violation", "seq 4"); err != nil {
			t.Fatalf("RaiseAlarm: %v", err)
		}
	}
	open, err := s.ListAlarms(true)
	if err != nil {
		t.Fatalf("ListAlarms: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open alarms = %d, want 1", len(open))
	}

	if err := s.ClearAlarm(open[0].ID); err != nil {
		t.Fatalf("ClearAlarm: %v", err)
	}
	if err := s.ClearAlarm(open[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second clear = %v, want ErrNotFound", err)
	}
	if err := s.RaiseAlarm("integrity_violation", "seq 4"); err != nil {
		t.Fatalf("RaiseAlarm: %v", err)
	}
	all, err := s.ListAlarms(false)
	if err != nil {
		t.Fatalf("ListAlarms: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all alarms = %d, want 2", len(all))
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	got, err := ParseTime(FormatTime(in))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !got.Equal(in.Truncate(time.Microsecond)) {
		t.Errorf("round trip = %v, want %v", got, in.Truncate(time.Microsecond))
	}
	zero, err := ParseTime("")
	if err != nil || !zero.IsZero() {
		t.Errorf("ParseTime(\"\") = %v, %v", zero, err)
	}
}

package ops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/scheduler"
	"github.com/kalambet/scrubd/internal/storage"
)

type fakeQueue struct {
	submitted []string
}

func (q *fakeQueue) Submit(id string) { q.submitted = append(q.submitted, id) }

func (q *fakeQueue) Stats() scheduler.Stats {
	return scheduler.Stats{Workers: 2, Queued: len(q.submitted)}
}

type fixture struct {
	store  *storage.Store
	ledger *ledger.Ledger
	sink   *deadletter.Sink
	queue  *fakeQueue
	svc    *Service
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l := ledger.New(s)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pm, err := policy.NewManager(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	sink := deadletter.New(s, l, filepath.Join(root, "dead-letter"), filepath.Join(root, "processing"))
	q := &fakeQueue{}
	return &fixture{store: s, ledger: l, sink: sink, queue: q, svc: New(s, l, pm, sink, q), root: root}
}

func (f *fixture) appendEvents(t *testing.T, jobID string, types ...string) {
	t.Helper()
	for _, typ := range types {
		if _, err := f.ledger.Append(context.Background(), ledger.Event{JobID: jobID, Type: typ, Payload: map[string]any{"n": 1}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestJobStatusAndAudit(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateJob(storage.Job{ID: "job-1", ContentHash: "h", State: storage.StateSigning}); err != nil {
		t.Fatal(err)
	}
	f.appendEvents(t, "job-1", ledger.EventValidated, ledger.EventExtracted)
	f.appendEvents(t, "job-2", ledger.EventValidated)

	st, err := f.svc.JobStatus("job-1")
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if st.State != storage.StateSigning || st.InProgress {
		t.Errorf("status = %+v", st)
	}

	a, err := f.svc.Audit("job-1")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(a.Entries) != 2 || !a.Verify.OK || a.Verify.Checked != 2 {
		t.Errorf("audit = %+v", a)
	}

	if _, err := f.svc.JobStatus("nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("JobStatus(nope) = %v, want ErrNotFound", err)
	}
}

func TestVerifyDetectsTamperingAndRaisesAlarm(t *testing.T) {
	f := newFixture(t)
	f.appendEvents(t, "job-1", ledger.EventValidated, ledger.EventExtracted, ledger.EventDetected)

	rep, err := f.svc.Verify(1, 0)
	if err != nil || !rep.OK {
		t.Fatalf("Verify = %+v, %v", rep, err)
	}

	if _, err := f.store.DB().Exec(`DROP TRIGGER ledger_no_update`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.DB().Exec(`UPDATE ledger SET payload_hash = 'forged' WHERE seq = 2`); err != nil {
		t.Fatal(err)
	}
	rep, err = f.svc.Verify(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.OK || rep.Divergence == nil || rep.Divergence.Seq != 2 {
		t.Errorf("report = %+v", rep)
	}
	alarms, err := f.svc.Alarms(true)
	if err != nil || len(alarms) != 1 || alarms[0].Kind != ledger.AlarmIntegrity {
		t.Fatalf("alarms = %+v, %v", alarms, err)
	}
	if err := f.svc.ClearAlarm(alarms[0].ID); err != nil {
		t.Errorf("ClearAlarm: %v", err)
	}
	if open, _ := f.svc.Alarms(true); len(open) != 0 {
		t.Errorf("alarm still open: %+v", open)
	}
}

func TestUpdatePolicy(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.UpdatePolicy([]byte("max_pages: -1\n")); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("UpdatePolicy(invalid) = %v, want ErrInvalidPolicy", err)
	}
	snap, err := f.svc.UpdatePolicy([]byte("max_pages: 10\n"))
	if err != nil {
		t.Fatalf("UpdatePolicy: %v", err)
	}
	if snap.Version != 2 || snap.Policy.MaxPages != 10 {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := f.svc.Policy(); got.Version != 2 {
		t.Errorf("current version = %d", got.Version)
	}
}

func TestRetryDeadLetterQueuesJob(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "processing")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "job-d.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}
	job := storage.Job{ID: "job-d", ContentHash: "hd", StoredPath: path, State: storage.StateDeadLettered}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sink.Put(context.Background(), job, deadletter.ReasonRetriesExhausted, "boom"); err != nil {
		t.Fatal(err)
	}

	held, err := f.svc.DeadLetters(storage.DeadLetterHeld, 10)
	if err != nil || len(held) != 1 {
		t.Fatalf("DeadLetters = %+v, %v", held, err)
	}
	st, err := f.svc.RetryDeadLetter(context.Background(), "job-d")
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if st.RetryOf != "job-d" || st.State != storage.StatePending {
		t.Errorf("retry = %+v", st)
	}
	if len(f.queue.submitted) != 1 || f.queue.submitted[0] != st.ID {
		t.Errorf("submitted = %v", f.queue.submitted)
	}

	stats, err := f.svc.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Pool.Workers != 2 || stats.LedgerEntries != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExportLedger(t *testing.T) {
	f := newFixture(t)
	f.appendEvents(t, "job-1", ledger.EventValidated)
	data, err := f.svc.ExportLedger(1, 0)
	if err != nil {
		t.Fatalf("ExportLedger: %v", err)
	}
	if len(data) < 4 || string(data[:2]) != "PK" {
		t.Error("export is not a zip container")
	}
}

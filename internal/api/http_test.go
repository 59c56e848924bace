package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/ops"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/scheduler"
	"github.com/kalambet/scrubd/internal/storage"
)

const testToken = "test-token-12345"

type nopQueue struct{ submitted []string }

func (q *nopQueue) Submit(id string)        { q.submitted = append(q.submitted, id) }
func (q *nopQueue) Stats() scheduler.Stats { return scheduler.Stats{Workers: 1} }

type env struct {
	store  *storage.Store
	ledger *ledger.Ledger
	sink   *deadletter.Sink
	queue  *nopQueue
	svc    *ops.Service
	root   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store)
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

	pm, err := policy.NewManager(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	sink := deadletter.New(store, l, filepath.Join(root, "dead-letter"), filepath.Join(root, "processing"))
	q := &nopQueue{}
	return &env{store: store, ledger: l, sink: sink, queue: q, svc: ops.New(store, l, pm, sink, q), root: root}
}

func (e *env) handler(ready func() bool) http.Handler {
	return NewHandler(Deps{Ops: e.svc, Token: testToken, Ready: ready})
}

func (e *env) seedJob(t *testing.T, id, state string, events ...string) {
	t.Helper()
	if err := e.store.CreateJob(storage.Job{ID: id, ContentHash: "hash-" + id, SourcePath: "/inbox/" + id + ".pdf", State: state}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	for _, typ := range events {
		if _, err := e.ledger.Append(context.Background(), ledger.Event{JobID: id, Type: typ, Payload: map[string]any{"stage": typ}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealthIsPublicAndReportsReadiness(t *testing.T) {
	e := newEnv(t)
	ready := false
	h := e.handler(func() bool { return ready })

	rr := serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status before ready = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	ready = true
	rr = serve(h, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" || body["ready"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	h := e.handler(nil)

	for _, token := range []string{"", "wrong-token"} {
		rr := serve(h, authReq(http.MethodGet, "/jobs", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want %d", token, rr.Code, http.StatusUnauthorized)
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("error type = %q, want %q", got, "authentication_error")
		}
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	e := newEnv(t)
	h := NewHandler(Deps{Ops: e.svc, Token: ""})
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestJobEndpoints(t *testing.T) {
	e := newEnv(t)
	e.seedJob(t, "job-1", storage.StateDetecting, ledger.EventValidated, ledger.EventExtracted)
	e.seedJob(t, "job-2", storage.StatePending)
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/jobs?state="+storage.StateDetecting, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var jobs []ops.JobStatus
	json.NewDecoder(rr.Body).Decode(&jobs)
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Errorf("jobs = %+v", jobs)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/job-1", "", testToken))
	var st ops.JobStatus
	json.NewDecoder(rr.Body).Decode(&st)
	if rr.Code != http.StatusOK || st.State != storage.StateDetecting {
		t.Errorf("get = %d %+v", rr.Code, st)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/job-1/audit", "", testToken))
	var a ops.Audit
	json.NewDecoder(rr.Body).Decode(&a)
	if rr.Code != http.StatusOK || len(a.Entries) != 2 || !a.Verify.OK {
		t.Errorf("audit = %d %+v", rr.Code, a)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if got := errorType(t, rr); got != "not_found" {
		t.Errorf("error type = %q", got)
	}
}

func TestLedgerVerifyAndExport(t *testing.T) {
	e := newEnv(t)
	e.seedJob(t, "job-1", storage.StateArchived, ledger.EventValidated, ledger.EventExtracted, ledger.EventDetected)
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/ledger/verify?from=1", "", testToken))
	var rep ledger.Report
	json.NewDecoder(rr.Body).Decode(&rep)
	if rr.Code != http.StatusOK || !rep.OK || rep.Checked != 3 {
		t.Errorf("verify = %d %+v", rr.Code, rep)
	}

	rr = serve(h, authReq(http.MethodGet, "/ledger/verify?from=abc", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad range status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = serve(h, authReq(http.MethodGet, "/ledger/export", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != xlsxContentType {
		t.Errorf("Content-Type = %q", got)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("Content-Disposition = %q", rr.Header().Get("Content-Disposition"))
	}
	if !strings.HasPrefix(rr.Body.String(), "PK") {
		t.Error("export body is not a zip container")
	}
}

func TestAlarmLifecycle(t *testing.T) {
	e := newEnv(t)
	e.seedJob(t, "job-1", storage.StateArchived, ledger.EventValidated, ledger.EventExtracted)
	if _, err := e.store.DB().Exec(`DROP TRIGGER ledger_no_update`); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.DB().Exec(`UPDATE ledger SET payload_hash = 'forged' WHERE seq = 1`); err != nil {
		t.Fatal(err)
	}
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/ledger/verify", "", testToken))
	var rep ledger.Report
	json.NewDecoder(rr.Body).Decode(&rep)
	if rep.OK || rep.Divergence == nil || rep.Divergence.Seq != 1 {
		t.Fatalf("verify = %+v", rep)
	}

	rr = serve(h, authReq(http.MethodGet, "/alarms?open=true", "", testToken))
	var alarms []storage.Alarm
	json.NewDecoder(rr.Body).Decode(&alarms)
	if len(alarms) != 1 || alarms[0].Kind != ledger.AlarmIntegrity {
		t.Fatalf("alarms = %+v", alarms)
	}

	rr = serve(h, authReq(http.MethodPost, "/alarms/x/clear", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rr.Code)
	}

	path := "/alarms/" + strconv.FormatInt(alarms[0].ID, 10) + "/clear"
	rr = serve(h, authReq(http.MethodPost, path, "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("clear status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/alarms?open=true", "", testToken))
	alarms = nil
	json.NewDecoder(rr.Body).Decode(&alarms)
	if len(alarms) != 0 {
		t.Errorf("open alarms after clear = %+v", alarms)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	e := newEnv(t)
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/policy", "", testToken))
	var snap policy.Snapshot
	json.NewDecoder(rr.Body).Decode(&snap)
	if rr.Code != http.StatusOK || snap.Version != 1 {
		t.Fatalf("get policy = %d %+v", rr.Code, snap)
	}

	rr = serve(h, authReq(http.MethodPut, "/policy", "max_pages: -5\n", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid policy status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = serve(h, authReq(http.MethodPut, "/policy", `{"max_pages": 12}`, testToken))
	snap = policy.Snapshot{}
	json.NewDecoder(rr.Body).Decode(&snap)
	if rr.Code != http.StatusOK || snap.Version != 2 || snap.Policy.MaxPages != 12 {
		t.Errorf("put policy = %d %+v", rr.Code, snap)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(e.root, "processing")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "job-d.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}
	job := storage.Job{ID: "job-d", ContentHash: "hd", StoredPath: path, State: storage.StateDeadLettered}
	if err := e.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if _, err := e.sink.Put(context.Background(), job, deadletter.ReasonRetriesExhausted, "boom"); err != nil {
		t.Fatal(err)
	}
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/dead-letters?status=held", "", testToken))
	var list []storage.DeadLetter
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 1 || list[0].Reason != deadletter.ReasonRetriesExhausted {
		t.Fatalf("dead letters = %+v", list)
	}

	rr = serve(h, authReq(http.MethodPost, "/dead-letters/job-d/retry", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var st ops.JobStatus
	json.NewDecoder(rr.Body).Decode(&st)
	if st.RetryOf != "job-d" || len(e.queue.submitted) != 1 {
		t.Errorf("retry = %+v, submitted = %v", st, e.queue.submitted)
	}

	rr = serve(h, authReq(http.MethodPost, "/dead-letters/job-d/retry", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second retry status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = serve(h, authReq(http.MethodDelete, "/dead-letters/job-d", "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("purge status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodDelete, "/dead-letters/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("purge unknown status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestStatsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seedJob(t, "job-1", storage.StatePending, ledger.EventValidated)
	h := e.handler(nil)

	rr := serve(h, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var st ops.Stats
	json.NewDecoder(rr.Body).Decode(&st)
	if st.Total != 1 || st.LedgerEntries != 1 || st.Pool.Workers != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	h := Recovery(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if got := errorType(t, rr); got != "api_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=abc", 50},
		{"limit=-1", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/jobs?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 50, 500); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

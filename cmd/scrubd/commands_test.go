package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/scrubd/internal/ledger"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) lastRequest(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("expected a request, got none")
	}
	return ts.requests[len(ts.requests)-1]
}

func plainOutput(t *testing.T) {
	t.Helper()
	prev := noColor
	noColor = true
	t.Cleanup(func() { noColor = prev })
}

var ctx = context.Background()

const okReport = `{"from":1,"to":3,"checked":3,"ok":true}`

func TestJobList(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /jobs": `[{"id":"0f8e2a1c-aaaa-bbbb","state":"Archived","attempt_count":1,"entity_counts":{"EMAIL":2,"PERSON":1}},
		              {"id":"77aa","state":"Rejected","reason":"unsupported_type","attempt_count":0}]`,
	})

	var out bytes.Buffer
	if err := runJobList(ctx, ts.client(), &out, "Archived", 5); err != nil {
		t.Fatalf("runJobList: %v", err)
	}

	r := ts.lastRequest(t)
	if r.Path != "/jobs?limit=5&state=Archived" {
		t.Errorf("path = %q, want /jobs?limit=5&state=Archived", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	got := out.String()
	for _, want := range []string{"0f8e2a1c", "Archived", "EMAIL=2 PERSON=1", "unsupported_type"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "aaaa-bbbb") {
		t.Errorf("job id not shortened:\n%s", got)
	}
}

func TestJobList_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /jobs": `[]`})

	var out bytes.Buffer
	if err := runJobList(ctx, ts.client(), &out, "", 20); err != nil {
		t.Fatalf("runJobList: %v", err)
	}
	if !strings.Contains(out.String(), "No jobs found") {
		t.Errorf("output = %q", out.String())
	}
	if p := ts.lastRequest(t).Path; p != "/jobs?limit=20" {
		t.Errorf("path = %q, want /jobs?limit=20", p)
	}
}

func TestJobShow_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	err := runJobShow(ctx, ts.client(), &bytes.Buffer{}, "missing")
	if err == nil {
		t.Fatal("expected error for unknown job")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and server message", err)
	}
}

func TestAudit(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1/audit": `{"job_id":"job-1","state":"Archived",
			"entries":[{"seq":1,"job_id":"job-1","event_type":"Accepted","timestamp_utc":"2026-01-02T03:04:05Z","entry_hash":"abcdef0123456789abcdef"}],
			"verify":` + okReport + `}`,
	})

	var out bytes.Buffer
	if err := runAudit(ctx, ts.client(), &out, "job-1", false); err != nil {
		t.Fatalf("runAudit: %v", err)
	}
	got := out.String()
	for _, want := range []string{"job-1", "Accepted", "abcdef0123456789", "ledger verified: 3 entries"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "abcdef0123456789abcdef") {
		t.Errorf("entry hash not shortened:\n%s", got)
	}
}

func TestVerify_RangeQuery(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{"GET /ledger/verify": okReport})

	if err := runVerify(ctx, ts.client(), &bytes.Buffer{}, 2, 9); err != nil {
		t.Fatalf("runVerify: %v", err)
	}
	if p := ts.lastRequest(t).Path; p != "/ledger/verify?from=2&to=9" {
		t.Errorf("path = %q", p)
	}

	if err := runVerify(ctx, ts.client(), &bytes.Buffer{}, 0, 0); err != nil {
		t.Fatalf("runVerify: %v", err)
	}
	if p := ts.lastRequest(t).Path; p != "/ledger/verify" {
		t.Errorf("path = %q, want no query for defaults", p)
	}
}

func TestVerify_DivergenceFails(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /ledger/verify": `{"from":1,"to":5,"checked":2,"ok":false,
			"divergence":{"seq":3,"kind":"entry_hash_mismatch","expected":"aa","actual":"bb"}}`,
	})

	var out bytes.Buffer
	err := runVerify(ctx, ts.client(), &out, 0, 0)
	if !errors.Is(err, ledger.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if !strings.Contains(out.String(), "seq=3 kind=entry_hash_mismatch") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExport_WritesFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /ledger/export": "PK-fake-xlsx"})
	out := filepath.Join(t.TempDir(), "ledger.xlsx")

	if err := runExport(ctx, ts.client(), out, 0, 4); err != nil {
		t.Fatalf("runExport: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if string(data) != "PK-fake-xlsx" {
		t.Errorf("export = %q", data)
	}
	if p := ts.lastRequest(t).Path; p != "/ledger/export?to=4" {
		t.Errorf("path = %q", p)
	}
}

func TestExport_ErrorRemovesFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	out := filepath.Join(t.TempDir(), "ledger.xlsx")

	if err := runExport(ctx, ts.client(), out, 0, 0); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("partial export left behind: %v", err)
	}
}

func TestDeadLetterCommands(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /dead-letters":             `[{"job_id":"job-dead-1234","state":"Redacting","reason":"retries_exhausted","status":"held"}]`,
		"POST /dead-letters/job-1/retry": `{"id":"job-2","state":"Pending","retry_of":"job-1"}`,
		"DELETE /dead-letters/job-1":     `{"status":"purged"}`,
	})
	c := ts.client()

	var out bytes.Buffer
	if err := runDeadLetterList(ctx, c, &out, "held", 10); err != nil {
		t.Fatalf("list: %v", err)
	}
	if p := ts.lastRequest(t).Path; p != "/dead-letters?limit=10&status=held" {
		t.Errorf("path = %q", p)
	}
	if !strings.Contains(out.String(), "retries_exhausted") || !strings.Contains(out.String(), "from=Redacting") {
		t.Errorf("output = %q", out.String())
	}

	if err := runDeadLetterRetry(ctx, c, "job-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r := ts.lastRequest(t); r.Method != http.MethodPost {
		t.Errorf("retry method = %q", r.Method)
	}

	if err := runDeadLetterPurge(ctx, c, "job-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if r := ts.lastRequest(t); r.Method != http.MethodDelete || r.Path != "/dead-letters/job-1" {
		t.Errorf("purge request = %s %s", r.Method, r.Path)
	}
}

func TestPolicySet_SendsRawDocument(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /policy": `{"version":4,"policy":{}}`,
	})
	doc := []byte("categories:\n  EMAIL: mask\n")

	if err := runPolicySet(ctx, ts.client(), doc); err != nil {
		t.Fatalf("runPolicySet: %v", err)
	}
	r := ts.lastRequest(t)
	if r.Body != string(doc) {
		t.Errorf("body = %q, want raw document", r.Body)
	}
	if r.ContentType != "application/yaml" {
		t.Errorf("content-type = %q", r.ContentType)
	}
}

func TestAlarmList_OpenOnly(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /alarms": `[{"id":7,"kind":"ledger_integrity","detail":"seq 3: entry_hash_mismatch","raised_at":"2026-01-02T03:04:05Z"}]`,
	})

	var out bytes.Buffer
	if err := runAlarmList(ctx, ts.client(), &out, true); err != nil {
		t.Fatalf("runAlarmList: %v", err)
	}
	if p := ts.lastRequest(t).Path; p != "/alarms?open=true" {
		t.Errorf("path = %q", p)
	}
	if !strings.Contains(out.String(), "ledger_integrity") || !strings.Contains(out.String(), "open") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAlarmClear_RejectsNonInteger(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	if err := runAlarmClear(ctx, ts.client(), "seven"); err == nil {
		t.Fatal("expected error for non-integer id")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no request, got %d", len(ts.requests))
	}
}

func TestStats(t *testing.T) {
	plainOutput(t)
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"total":5,"by_state":{"Archived":4,"Rejected":1},"total_entities":12,
			"avg_archive_seconds":2.5,"ledger_entries":40,"dead_letters_held":0,
			"pool":{"workers":4,"busy":1,"queued":2}}`,
	})

	st, err := fetchStats(ctx, ts.client())
	if err != nil {
		t.Fatalf("fetchStats: %v", err)
	}
	if st.Total != 5 || st.Pool.Workers != 4 {
		t.Errorf("stats = %+v", st)
	}

	var out bytes.Buffer
	printStats(&out, st)
	got := out.String()
	for _, want := range []string{"Archived=4 Rejected=1", "2.5s", "40 entries", "4 (1 busy, 2 queued)"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestAuditCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"audit"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestColorize_NoColor(t *testing.T) {
	plainOutput(t)
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize = %q, want plain text", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q, want escape codes", got)
	}
}

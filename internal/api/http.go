// Package api exposes the operational surface over HTTP, MCP and gRPC health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/ops"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/storage"
)

const maxPolicyBodySize = 1 << 20 // 1MB

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Ops is the operational service behind every surface. *ops.Service satisfies it.
type Ops interface {
	JobStatus(id string) (ops.JobStatus, error)
	ListJobs(state string, limit int) ([]ops.JobStatus, error)
	Audit(jobID string) (ops.Audit, error)
	Verify(from, to int64) (ledger.Report, error)
	ExportLedger(from, to int64) ([]byte, error)
	Policy() policy.Snapshot
	UpdatePolicy(doc []byte) (policy.Snapshot, error)
	DeadLetters(status string, limit int) ([]storage.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, jobID string) (ops.JobStatus, error)
	PurgeDeadLetter(ctx context.Context, jobID string) error
	Alarms(openOnly bool) ([]storage.Alarm, error)
	ClearAlarm(id int64) error
	Stats() (ops.Stats, error)
}

type Deps struct {
	Ops   Ops
	Token string
	// Ready reports whether reconciliation has finished; nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

// NewHandler returns the management API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(Recovery(deps.Logger), Logger(deps.Logger))

	r.Get("/health", handleHealth(deps))
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/jobs/{id}/audit", handleAudit(deps))
		r.Get("/ledger/verify", handleVerify(deps))
		r.Get("/ledger/export", handleExport(deps))
		r.Get("/alarms", handleListAlarms(deps))
		r.Post("/alarms/{id}/clear", handleClearAlarm(deps))
		r.Get("/policy", handleGetPolicy(deps))
		r.Put("/policy", handlePutPolicy(deps))
		r.Get("/dead-letters", handleListDeadLetters(deps))
		r.Post("/dead-letters/{id}/retry", handleRetryDeadLetter(deps))
		r.Delete("/dead-letters/{id}", handlePurgeDeadLetter(deps))
		r.Get("/stats", handleStats(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := deps.Ready == nil || deps.Ready()
		status := "ok"
		code := http.StatusOK
		if !ready {
			status = "starting"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": ready})
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Ops.ListJobs(r.URL.Query().Get("state"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			opsError(w, err, "failed to list jobs")
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Ops.JobStatus(chi.URLParam(r, "id"))
		if err != nil {
			opsError(w, err, "failed to get job")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleAudit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Ops.Audit(chi.URLParam(r, "id"))
		if err != nil {
			opsError(w, err, "failed to audit job")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleVerify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseRange(w, r)
		if !ok {
			return
		}
		rep, err := deps.Ops.Verify(from, to)
		if err != nil {
			opsError(w, err, "failed to verify ledger")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, ok := parseRange(w, r)
		if !ok {
			return
		}
		data, err := deps.Ops.ExportLedger(from, to)
		if err != nil {
			opsError(w, err, "failed to export ledger")
			return
		}
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="ledger.xlsx"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}
}

func handleListAlarms(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alarms, err := deps.Ops.Alarms(r.URL.Query().Get("open") == "true")
		if err != nil {
			opsError(w, err, "failed to list alarms")
			return
		}
		if alarms == nil {
			alarms = []storage.Alarm{}
		}
		writeJSON(w, http.StatusOK, alarms)
	}
}

func handleClearAlarm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "alarm id must be an integer")
			return
		}
		if err := deps.Ops.ClearAlarm(id); err != nil {
			opsError(w, err, "failed to clear alarm")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleGetPolicy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Ops.Policy())
	}
}

func handlePutPolicy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPolicyBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}
		snap, err := deps.Ops.UpdatePolicy(body)
		if err != nil {
			opsError(w, err, "failed to update policy")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleListDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Ops.DeadLetters(r.URL.Query().Get("status"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			opsError(w, err, "failed to list dead letters")
			return
		}
		if list == nil {
			list = []storage.DeadLetter{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleRetryDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Ops.RetryDeadLetter(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			opsError(w, err, "failed to retry dead letter")
			return
		}
		writeJSON(w, http.StatusAccepted, st)
	}
}

func handlePurgeDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Ops.PurgeDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
			opsError(w, err, "failed to purge dead letter")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Ops.Stats()
		if err != nil {
			opsError(w, err, "failed to compute stats")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func parseRange(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	var bounds [2]int64
	for i, key := range []string{"from", "to"} {
		s := r.URL.Query().Get(key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be a non-negative integer", key)
			return 0, 0, false
		}
		bounds[i] = v
	}
	return bounds[0], bounds[1], true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// opsError maps service errors onto status codes.
func opsError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", msg, err)
	case errors.Is(err, ops.ErrInvalidPolicy):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", msg, err)
	case errors.Is(err, deadletter.ErrNotHeld), errors.Is(err, storage.ErrDuplicate):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", msg, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

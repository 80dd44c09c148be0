// Package health serves the liveness and readiness probes for the VoxDraft
// server.
//
// Liveness (/healthz) only proves the process is up and serving HTTP.
// Readiness (/readyz) additionally runs every registered [Checker]; in
// practice that means a database round-trip, so a deployment does not route
// traffic to an instance whose SQLite file is missing or locked. Each check
// reports its own outcome and duration in the JSON body.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 3 * time.Second

// Checker probes one dependency. Check must respect context cancellation and
// return nil when the dependency is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler running the given checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200: a process that can run this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers 200 only when every checker passes, 503 otherwise. Checks
// run sequentially, each under its own [probeTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]checkResult, len(h.checkers)),
	}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := c.Check(ctx)
		cancel()

		res := checkResult{
			Status:   "ok",
			Duration: time.Since(start).Round(time.Microsecond).String(),
		}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
		}
		rep.Checks[c.Name] = res
	}

	writeJSON(w, code, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

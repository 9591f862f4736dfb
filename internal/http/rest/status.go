package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/logctx"
	"github.com/coursegrab/coursegrab/internal/remediate"
	"github.com/coursegrab/coursegrab/internal/telemetry"
	"github.com/coursegrab/coursegrab/internal/verify"
)

// Sweeper runs a full verification pass; satisfied by verify.Verifier.
type Sweeper interface {
	VerifyAll(ctx context.Context) (verify.Tally, error)
}

// Exporter streams the whole checkpoint store as a portable snapshot;
// satisfied by the sqlite store and its instrumented wrapper.
type Exporter interface {
	ExportSnapshot(ctx context.Context, w io.Writer) error
}

// StatusHandler exposes the checkpoint store read paths and the
// verification sweep over HTTP while a run is active.
type StatusHandler struct {
	store     checkpoint.Store
	sweeper   Sweeper
	telemetry *telemetry.Telemetry
}

func NewStatusHandler(store checkpoint.Store, sweeper Sweeper, tel *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		store:     store,
		sweeper:   sweeper,
		telemetry: tel,
	}
}

func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", h.handleStats)
	r.Get("/records", h.handleRecord)
	r.Post("/verify", h.handleVerify)
	r.Post("/remediate", h.handleRemediate)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	if _, ok := h.store.(Exporter); ok {
		r.Get("/export", h.handleExport)
	}

	return r
}

func (h *StatusHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	exporter, ok := h.store.(Exporter)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "export not supported by this store", nil)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="downloads-snapshot.json"`)

	if err := exporter.ExportSnapshot(r.Context(), w); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to export snapshot", "err", err)
	}
}

func (h *StatusHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to compute statistics", err)

		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

func (h *StatusHandler) handleRecord(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing path query parameter", nil)

		return
	}

	rec, err := h.store.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "no record for path", nil)

			return
		}

		h.writeError(w, r, http.StatusInternalServerError, "failed to load record", err)

		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// handleRemediate deletes the named corrupted files and downgrades their
// records. It is the caller's explicit follow-up to a verification sweep;
// the sweep itself never mutates anything.
func (h *StatusHandler) handleRemediate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body", nil)

		return
	}

	if len(req.Paths) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "no paths given", nil)

		return
	}

	removed, err := remediate.RemoveCorrupted(r.Context(), h.store, req.Paths)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "remediation failed", err)

		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *StatusHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	tally, err := h.sweeper.VerifyAll(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "verification sweep failed", err)

		return
	}

	h.writeJSON(w, http.StatusOK, tally)
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(v)
}

func (h *StatusHandler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error(msg, "err", err)
	}

	h.writeJSON(w, status, map[string]string{"error": msg})
}

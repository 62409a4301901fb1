// ABOUTME: HTTP handlers for the pkgmeta status and control API
// ABOUTME: Provider queues, cached rows, scan submissions, health and metrics

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/contribute"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Backend is what the API reads and drives. *service.Service implements it.
type Backend interface {
	Fetcher(name string) (service.Fetcher, error)
	Scanner(name string) (service.Scanner, error)
	Table(name string) (service.Table, error)
	Contributor() (*contribute.Worker, error)
	FetcherNames() []string
	ScannerNames() []string
	Metrics() *observability.FetchMetrics
	Health(ctx context.Context) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(backend Backend, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend: backend,
		logger:  logger.With(slog.String("component", "api")),
		now:     time.Now,
	}
}

// Router returns the API routes with request ids, logging and panic recovery.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.RequestIDMiddleware)
	r.Use(h.LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/metrics", h.HandleMetrics)
		r.Get("/providers", h.HandleProviders)

		r.Route("/providers/{provider}", func(r chi.Router) {
			r.Get("/", h.HandleFetcherStats)
			r.Post("/queue", h.HandleEnqueue)
			r.Delete("/queue", h.HandleClearQueue)
			r.Get("/packages", h.HandleSnapshot)
			r.Get("/packages/{id}", h.HandlePackageStatus)
			r.Delete("/results", h.HandleClearResults)
		})

		r.Route("/scanners/{provider}", func(r chi.Router) {
			r.Post("/scans", h.HandleSubmitScan)
			r.Get("/scans", h.HandleScanStates)
			r.Get("/scans/{package}", h.HandleScanState)
			r.Get("/progress", h.HandleScanProgress)
			r.Post("/cancel", h.HandleCancelScan)
			r.Delete("/queue", h.HandleClearScanQueue)
			r.Post("/pending", h.HandleCheckPending)
		})

		r.Route("/contributions", func(r chi.Router) {
			r.Get("/", h.HandleContributions)
			r.Post("/", h.HandleContribute)
			r.Get("/{package}", h.HandleContributionStatus)
			r.Delete("/queue", h.HandleClearContributionQueue)
			r.Delete("/results", h.HandleClearContributionResults)
		})

		r.Get("/tables/{provider}", h.HandleTableCounts)
		r.Post("/tables/{provider}/purge", h.HandlePurge)
		r.Post("/tables/{provider}/flush", h.HandleFlush)
	})
	return r
}

// HandleHealth handles health check requests.
// GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	checks := make(map[string]any)

	if err := h.backend.Health(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		checks["database"] = "error: " + observability.RedactSensitive(err.Error())
	} else {
		checks["database"] = "ok"
	}

	workers := make(map[string]any)
	for _, name := range h.backend.FetcherNames() {
		f, err := h.backend.Fetcher(name)
		if err != nil {
			continue
		}
		workers[name] = map[string]any{"running": f.Running(), "queued": f.QueueSize()}
	}
	for _, name := range h.backend.ScannerNames() {
		s, err := h.backend.Scanner(name)
		if err != nil {
			continue
		}
		workers[name] = map[string]any{"queued": s.QueueSize(), "writes": s.Writes()}
	}
	checks["workers"] = workers

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": h.now().UTC(),
		"checks":    checks,
	})
}

// HandleMetrics returns the per-provider counters.
// GET /api/v1/metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Metrics().Snapshot())
}

type providerInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// HandleProviders lists every known provider and whether it is enabled.
// GET /api/v1/providers
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	enabled := make(map[string]bool)
	for _, n := range h.backend.FetcherNames() {
		enabled[n] = true
	}
	for _, n := range h.backend.ScannerNames() {
		enabled[n] = true
	}

	out := make([]providerInfo, 0, len(service.Providers()))
	for _, name := range service.Providers() {
		kind := "scanner"
		if slices.Contains(types.MetadataProviders, name) {
			kind = "metadata"
		}
		out = append(out, providerInfo{Name: name, Kind: kind, Enabled: enabled[name]})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleFetcherStats returns queue, worker and table state.
// GET /api/v1/providers/{provider}
func (h *Handler) HandleFetcherStats(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	st, err := service.StatsOf(r.Context(), f)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enqueueRequest struct {
	IDs []string `json:"ids"`
}

// HandleEnqueue queues package ids for fetching.
// POST /api/v1/providers/{provider}/queue
// Returns 202 Accepted; poll the package status.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"queued":    f.EnqueueBatch(req.IDs),
		"requested": len(req.IDs),
	})
}

// HandleClearQueue drops every pending id.
// DELETE /api/v1/providers/{provider}/queue
func (h *Handler) HandleClearQueue(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	f.ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearResults drops every finished status.
// DELETE /api/v1/providers/{provider}/results
func (h *Handler) HandleClearResults(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	f.ClearResults()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnapshot returns every known status.
// GET /api/v1/providers/{provider}/packages
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, f.Snapshot())
}

// HandlePackageStatus returns the status of one id.
// GET /api/v1/providers/{provider}/packages/{id}
func (h *Handler) HandlePackageStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := h.fetcher(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	st, ok := f.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no status for "+id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleSubmitScan queues a package scan.
// POST /api/v1/scanners/{provider}/scans
// Returns 202 Accepted, or 409 when the package is already queued or scanning.
func (h *Handler) HandleSubmitScan(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	var req scan.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Package == "" {
		writeError(w, http.StatusBadRequest, "package is required")
		return
	}
	if !s.Submit(req) {
		if st, ok := s.State(req.Package); ok && st.Phase == scan.PhaseError {
			writeError(w, http.StatusBadRequest, st.Error)
			return
		}
		writeError(w, http.StatusConflict, "package already queued")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"package":  req.Package,
		"state":    scan.PhasePending,
		"poll_url": "/api/v1/scanners/" + s.Provider() + "/scans/" + req.Package,
	})
}

// HandleScanStates returns every package state.
// GET /api/v1/scanners/{provider}/scans
func (h *Handler) HandleScanStates(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.States())
}

// HandleScanState returns the state of one package.
// GET /api/v1/scanners/{provider}/scans/{package}
func (h *Handler) HandleScanState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	pkg := chi.URLParam(r, "package")
	st, ok := s.State(pkg)
	if !ok {
		writeError(w, http.StatusNotFound, "no scan state for "+pkg)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleScanProgress returns the batch progress.
// GET /api/v1/scanners/{provider}/progress
func (h *Handler) HandleScanProgress(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	done, total := s.Progress()
	writeJSON(w, http.StatusOK, map[string]int{
		"completed": done,
		"total":     total,
		"queued":    s.QueueSize(),
	})
}

// HandleCancelScan cancels the active scan at its next file boundary.
// POST /api/v1/scanners/{provider}/cancel
func (h *Handler) HandleCancelScan(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	s.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

// HandleClearScanQueue drops every queued package.
// DELETE /api/v1/scanners/{provider}/queue
func (h *Handler) HandleClearScanQueue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	s.ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

// HandleCheckPending re-polls parked submissions once.
// POST /api/v1/scanners/{provider}/pending
func (h *Handler) HandleCheckPending(w http.ResponseWriter, r *http.Request) {
	s, ok := h.scanner(w, r)
	if !ok {
		return
	}
	n, err := s.CheckPending(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

// HandleTableCounts returns row counts by outcome.
// GET /api/v1/tables/{provider}
func (h *Handler) HandleTableCounts(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	counts, err := t.Count(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":  t.Table(),
		"counts": counts,
		"total":  counts.Total(),
	})
}

// HandlePurge deletes not-found rows; with ?stale=true only those past the TTL.
// POST /api/v1/tables/{provider}/purge
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	var (
		n   int64
		err error
	)
	if strings.EqualFold(r.URL.Query().Get("stale"), "true") {
		n, err = t.PurgeStaleNotFound(r.Context(), h.now())
	} else {
		n, err = t.PurgeNotFound(r.Context())
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": t.Table(), "deleted": n})
}

// HandleFlush empties a table.
// POST /api/v1/tables/{provider}/flush
func (h *Handler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	n, err := t.Flush(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": t.Table(), "deleted": n})
}

type contributeRequest struct {
	Items []contribute.Item `json:"items"`
}

// HandleContribute offers installed APKs to APKMirror.
// POST /api/v1/contributions
// Returns 202 Accepted with the number queued; builds that are not newer are skipped.
func (h *Handler) HandleContribute(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contributor(w)
	if !ok {
		return
	}
	var req contributeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items is required")
		return
	}
	queued := 0
	for _, it := range req.Items {
		if c.Queue().Enqueue(it) {
			queued++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued, "requested": len(req.Items)})
}

// HandleContributions returns every contribution status with queue counters.
// GET /api/v1/contributions
func (h *Handler) HandleContributions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contributor(w)
	if !ok {
		return
	}
	q := c.Queue()
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_size":    q.QueueSize(),
		"success_count": q.SuccessCount(),
		"running":       c.Running(),
		"limiter":       c.Limiter().State(),
		"packages":      q.Snapshot(),
	})
}

// HandleContributionStatus returns the status of one package.
// GET /api/v1/contributions/{package}
func (h *Handler) HandleContributionStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contributor(w)
	if !ok {
		return
	}
	pkg := chi.URLParam(r, "package")
	st, ok := c.Queue().Status(pkg)
	if !ok {
		writeError(w, http.StatusNotFound, "no contribution for "+pkg)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleClearContributionQueue drops every queued contribution.
// DELETE /api/v1/contributions/queue
func (h *Handler) HandleClearContributionQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contributor(w)
	if !ok {
		return
	}
	c.Queue().ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearContributionResults drops every final contribution status.
// DELETE /api/v1/contributions/results
func (h *Handler) HandleClearContributionResults(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contributor(w)
	if !ok {
		return
	}
	c.Queue().ClearResults()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) contributor(w http.ResponseWriter) (*contribute.Worker, bool) {
	c, err := h.backend.Contributor()
	if err != nil {
		if errors.Is(err, service.ErrContributionsDisabled) {
			writeError(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return c, true
}

func (h *Handler) fetcher(w http.ResponseWriter, r *http.Request) (service.Fetcher, bool) {
	f, err := h.backend.Fetcher(chi.URLParam(r, "provider"))
	if err != nil {
		writeLookupError(w, err)
		return nil, false
	}
	return f, true
}

func (h *Handler) scanner(w http.ResponseWriter, r *http.Request) (service.Scanner, bool) {
	s, err := h.backend.Scanner(chi.URLParam(r, "provider"))
	if err != nil {
		writeLookupError(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) table(w http.ResponseWriter, r *http.Request) (service.Table, bool) {
	t, err := h.backend.Table(chi.URLParam(r, "provider"))
	if err != nil {
		writeLookupError(w, err)
		return nil, false
	}
	return t, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	msg := observability.RedactSensitive(err.Error())
	observability.WithTrace(r.Context(), h.logger).Error("request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", msg),
	)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// LoggingMiddleware logs each request except health checks.
func (h *Handler) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if strings.HasSuffix(r.URL.Path, "/health") {
			return
		}
		observability.WithTrace(r.Context(), h.logger).Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

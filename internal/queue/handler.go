// ABOUTME: NATS message handler for fetch and scan control operations
// ABOUTME: Routes a subject to a provider operation and builds the reply

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
)

// Fetch operations, addressed as <prefix>.<provider>.<op>.
const (
	OpEnqueue      = "enqueue"
	OpBatch        = "batch"
	OpStatus       = "status"
	OpResult       = "result"
	OpSnapshot     = "snapshot"
	OpClearQueue   = "clear_queue"
	OpClearResults = "clear_results"
	OpStats        = "stats"
)

// Scan operations, addressed as <prefix>.scan.<provider>.<op>.
const (
	OpSubmit       = "submit"
	OpState        = "state"
	OpStates       = "states"
	OpProgress     = "progress"
	OpCancel       = "cancel"
	OpCheckPending = "check_pending"
)

// OpMetrics is addressed as <prefix>.metrics.
const OpMetrics = "metrics"

var (
	// ErrUnknownOperation is returned for a subject that names no operation.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrMissingField is returned when a required request field is empty.
	ErrMissingField = errors.New("missing field")
)

// Backend resolves providers by name. *service.Service implements it.
type Backend interface {
	Fetcher(name string) (service.Fetcher, error)
	Scanner(name string) (service.Scanner, error)
	Metrics() *observability.FetchMetrics
}

// Handler processes control requests against a Backend.
type Handler struct {
	backend Backend
	prefix  string
	now     func() time.Time
}

// NewHandler creates a handler for subjects under prefix.
func NewHandler(backend Backend, prefix string) *Handler {
	return &Handler{
		backend: backend,
		prefix:  strings.TrimSuffix(prefix, "."),
		now:     time.Now,
	}
}

// Route is a parsed subject.
type Route struct {
	Scan     bool
	Provider string
	Op       string
}

// ParseSubject splits a subject under the handler prefix into a route.
func (h *Handler) ParseSubject(subject string) (Route, error) {
	rest, ok := strings.CutPrefix(subject, h.prefix+".")
	if !ok {
		return Route{}, fmt.Errorf("%w: subject %q outside %q", ErrUnknownOperation, subject, h.prefix)
	}
	parts := strings.Split(rest, ".")
	switch {
	case len(parts) == 1 && parts[0] == OpMetrics:
		return Route{Op: OpMetrics}, nil
	case len(parts) == 3 && parts[0] == "scan":
		return Route{Scan: true, Provider: parts[1], Op: parts[2]}, nil
	case len(parts) == 2:
		return Route{Provider: parts[0], Op: parts[1]}, nil
	default:
		return Route{}, fmt.Errorf("%w: subject %q", ErrUnknownOperation, subject)
	}
}

// Handle decodes data, runs the operation named by subject and returns the reply.
func (h *Handler) Handle(ctx context.Context, subject string, data []byte) Response {
	var req Request
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return h.fail(req, fmt.Errorf("invalid request format: %w", err))
		}
	}
	req.RequestID = observability.EnsureRequestID(req.RequestID)
	ctx = observability.WithRequestID(ctx, req.RequestID)

	route, err := h.ParseSubject(subject)
	if err != nil {
		return h.fail(req, err)
	}
	return h.Process(ctx, route, req)
}

// Process runs one routed request.
func (h *Handler) Process(ctx context.Context, route Route, req Request) Response {
	var (
		data any
		err  error
	)
	switch {
	case route.Op == OpMetrics:
		data = h.backend.Metrics().Snapshot()
	case route.Scan:
		data, err = h.scanOp(ctx, route, req)
	default:
		data, err = h.fetchOp(ctx, route, req)
	}
	if err != nil {
		return h.fail(req, err)
	}
	return Response{
		RequestID:   req.RequestID,
		Status:      StatusOK,
		Data:        data,
		ProcessedAt: h.now().UTC(),
	}
}

func (h *Handler) fetchOp(ctx context.Context, route Route, req Request) (any, error) {
	f, err := h.backend.Fetcher(route.Provider)
	if err != nil {
		return nil, err
	}

	switch route.Op {
	case OpEnqueue:
		if req.ID == "" {
			return nil, fmt.Errorf("%w: id", ErrMissingField)
		}
		return EnqueueReply{Queued: f.Enqueue(req.ID)}, nil
	case OpBatch:
		if len(req.IDs) == 0 {
			return nil, fmt.Errorf("%w: ids", ErrMissingField)
		}
		return BatchReply{Queued: f.EnqueueBatch(req.IDs), Requested: len(req.IDs)}, nil
	case OpStatus:
		st, ok := f.Status(req.ID)
		if !ok {
			return nil, fmt.Errorf("no status for %q", req.ID)
		}
		return st, nil
	case OpResult:
		rec, ok := f.Result(req.ID)
		if !ok {
			return nil, fmt.Errorf("no result for %q", req.ID)
		}
		return rec, nil
	case OpSnapshot:
		return f.Snapshot(), nil
	case OpClearQueue:
		f.ClearQueue()
		return nil, nil
	case OpClearResults:
		f.ClearResults()
		return nil, nil
	case OpStats:
		return service.StatsOf(ctx, f)
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownOperation, route.Provider, route.Op)
	}
}

func (h *Handler) scanOp(ctx context.Context, route Route, req Request) (any, error) {
	s, err := h.backend.Scanner(route.Provider)
	if err != nil {
		return nil, err
	}

	switch route.Op {
	case OpSubmit:
		if req.Package == "" {
			return nil, fmt.Errorf("%w: package", ErrMissingField)
		}
		queued := s.Submit(scan.Request{Package: req.Package, Files: req.Files})
		return EnqueueReply{Queued: queued}, nil
	case OpState:
		st, ok := s.State(req.Package)
		if !ok {
			return nil, fmt.Errorf("no scan state for %q", req.Package)
		}
		return st, nil
	case OpStates:
		return s.States(), nil
	case OpProgress:
		done, total := s.Progress()
		return ProgressReply{Completed: done, Total: total, Queued: s.QueueSize()}, nil
	case OpCancel:
		s.Cancel()
		return nil, nil
	case OpClearQueue:
		s.ClearQueue()
		return nil, nil
	case OpCheckPending:
		n, err := s.CheckPending(ctx)
		if err != nil {
			return nil, err
		}
		return PendingReply{Resolved: n}, nil
	default:
		return nil, fmt.Errorf("%w: scan.%s.%s", ErrUnknownOperation, route.Provider, route.Op)
	}
}

func (h *Handler) fail(req Request, err error) Response {
	return Response{
		RequestID:   req.RequestID,
		Status:      StatusError,
		Error:       observability.RedactSensitive(err.Error()),
		ProcessedAt: h.now().UTC(),
	}
}

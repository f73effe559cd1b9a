package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// InitLogger creates a structured JSON logger that writes to stderr. Every
// record is wrapped by traceHandler so log lines carry the active span's
// trace_id/span_id when one is present on the context.
func InitLogger() *slog.Logger {
	stderrHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(&traceHandler{inner: stderrHandler})
}

// traceHandler wraps a slog.Handler to inject trace_id and span_id from
// context.
type traceHandler struct {
	inner slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{inner: h.inner.WithGroup(name)}
}

// multiHandler fans out to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// JobEvent is one structured log line emitted by a stage invocation, both
// to stdout/stderr (via slog) and appended as one JSON document per line
// to the job's log file.
type JobEvent struct {
	JobID   string         `json:"jobId"`
	AssetID string         `json:"assetId"`
	Stage   string         `json:"stage"`
	Event   string         `json:"event"` // START, SUCCESS, FAILED, SKIP, RETRY, ERROR, WARN, END
	Message string         `json:"message"`
	Time    time.Time      `json:"time"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// JobSink appends JobEvents to a per-job JSONL file and mirrors them to a
// base slog.Logger. It is bound for the lifetime of a single stage
// invocation and threaded through via context — never held in package
// state (see Design Note "Per-job log binding").
type JobSink struct {
	mu      sync.Mutex
	file    io.WriteCloser
	base    *slog.Logger
	jobID   string
	assetID string
}

// NewJobSink opens (or creates) the job's log file in append mode.
// Callers that cannot open the file should log the failure and continue
// without one, per spec §7: "Log-upload failures never fail the job."
func NewJobSink(path, jobID, assetID string, base *slog.Logger) (*JobSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JobSink{file: f, base: base, jobID: jobID, assetID: assetID}, nil
}

// Close closes the underlying file.
func (s *JobSink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Emit writes a structured event to stdout/stderr and the job's JSONL log.
func (s *JobSink) Emit(stage, event, message string, extra map[string]any) {
	evt := JobEvent{
		Stage:   stage,
		Event:   event,
		Message: message,
		Time:    time.Now().UTC(),
		Extra:   extra,
	}

	logger := slog.Default()
	if s != nil {
		evt.JobID = s.jobID
		evt.AssetID = s.assetID
		if s.base != nil {
			logger = s.base
		}
	}
	logger.Info(message, "stage", stage, "event", event, "job_id", evt.JobID, "asset_id", evt.AssetID)

	if s == nil || s.file == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.file)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(evt) // log-file write failures never fail the job
}

type jobSinkKey struct{}

// WithJobSink attaches a JobSink to ctx so deeply nested stage-worker code
// can emit events without a sink parameter threaded through every call.
func WithJobSink(ctx context.Context, sink *JobSink) context.Context {
	return context.WithValue(ctx, jobSinkKey{}, sink)
}

// JobSinkFromContext retrieves the JobSink bound by WithJobSink, or nil.
func JobSinkFromContext(ctx context.Context) *JobSink {
	sink, _ := ctx.Value(jobSinkKey{}).(*JobSink)
	return sink
}

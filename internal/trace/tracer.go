package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	maxIOLen     = 500
	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// Writer is the persistence side of a Tracer.
type Writer interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	CreateSpan(ctx context.Context, sp Span) error
}

type traceMsg struct {
	kind string // "run_create", "run_update", "span"
	run  Run
	span Span
}

// Tracer writes trace data asynchronously via a buffered channel. Writes
// are dropped when the queue is full so tracing never slows a request.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	w    Writer
	ch   chan traceMsg
	done chan struct{}
	now  func() time.Time
}

// NewTracer creates a process-wide tracer. Must call Close when done.
func NewTracer(w Writer) *Tracer {
	t := &Tracer{
		w:    w,
		ch:   make(chan traceMsg, queueSize),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"run_create": func() error { return t.w.CreateRun(ctx, m.run) },
		"run_update": func() error { return t.w.UpdateRun(ctx, m.run) },
		"span":       func() error { return t.w.CreateSpan(ctx, m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace_write_failed", "kind", m.kind, "error", err)
	}
}

func (t *Tracer) send(m traceMsg) {
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace_dropped", "kind", m.kind)
	}
}

// StartRun begins a new run for sessionID and returns its ID.
func (t *Tracer) StartRun(sessionID string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: "run_create", run: Run{
		ID:        id,
		SessionID: sessionID,
		StartedAt: t.now(),
		State:     "received",
	}})
	return id
}

// RunOutcome is the final shape of a run.
type RunOutcome struct {
	DurationMs float64
	Transcript string
	Response   string
	State      string
	Tier       string
	ErrorKind  string
}

// EndRun finalizes a run.
func (t *Tracer) EndRun(runID string, o RunOutcome) {
	if t == nil || runID == "" {
		return
	}
	t.send(traceMsg{kind: "run_update", run: Run{
		ID:         runID,
		DurationMs: o.DurationMs,
		Transcript: truncate(o.Transcript, maxIOLen),
		Response:   truncate(o.Response, maxIOLen),
		State:      o.State,
		Tier:       o.Tier,
		ErrorKind:  o.ErrorKind,
	}})
}

// RecordSpan records a completed stage attempt.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, status, errMsg string) {
	if t == nil || runID == "" {
		return
	}
	t.send(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: float64(t.now().Sub(startedAt).Milliseconds()),
			Status:     status,
			Error:      truncate(errMsg, maxIOLen),
		},
	})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

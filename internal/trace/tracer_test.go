package trace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu    sync.Mutex
	runs  map[string]Run
	spans []Span
}

func newMemWriter() *memWriter { return &memWriter{runs: make(map[string]Run)} }

func (m *memWriter) CreateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *memWriter) UpdateRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.runs[r.ID]
	cur.DurationMs, cur.Transcript, cur.Response = r.DurationMs, r.Transcript, r.Response
	cur.State, cur.Tier, cur.ErrorKind = r.State, r.Tier, r.ErrorKind
	m.runs[r.ID] = cur
	return nil
}

func (m *memWriter) CreateSpan(_ context.Context, sp Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, sp)
	return nil
}

func TestTracer_RunLifecycle(t *testing.T) {
	w := newMemWriter()
	tr := NewTracer(w)

	id := tr.StartRun("s1")
	require.NotEmpty(t, id)
	tr.RecordSpan(id, "stt", time.Now(), "ok", "")
	tr.EndRun(id, RunOutcome{DurationMs: 12, Transcript: "hi", Response: "hello", State: "completed", Tier: "primary"})
	tr.Close()

	run := w.runs[id]
	assert.Equal(t, "s1", run.SessionID)
	assert.Equal(t, "completed", run.State)
	assert.Equal(t, "primary", run.Tier)
	require.Len(t, w.spans, 1)
	assert.Equal(t, id, w.spans[0].RunID)
	assert.Equal(t, "stt", w.spans[0].Name)
}

func TestTracer_TruncatesLongText(t *testing.T) {
	w := newMemWriter()
	tr := NewTracer(w)

	id := tr.StartRun("s1")
	tr.EndRun(id, RunOutcome{Transcript: strings.Repeat("a", 2*maxIOLen)})
	tr.Close()

	assert.Len(t, w.runs[id].Transcript, maxIOLen)
}

func TestTracer_NilSafe(t *testing.T) {
	var tr *Tracer
	assert.Empty(t, tr.StartRun("s1"))
	tr.RecordSpan("r", "stt", time.Now(), "ok", "")
	tr.EndRun("r", RunOutcome{})
	tr.Close()
}

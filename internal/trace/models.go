package trace

import "time"

// Session groups the runs of one conversation.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	LastRunAt time.Time `json:"last_run_at"`
	RunCount  int       `json:"run_count,omitempty"`
}

// Run is one pipeline execution (one utterance through STT→LLM→TTS).
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	State      string    `json:"state"`
	Tier       string    `json:"tier,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span is one stage attempt within a run.
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

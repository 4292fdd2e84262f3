package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// stageOrder is the pipeline order used when rendering stage status.
var stageOrder = []Stage{StageSTT, StageLLM, StageTTS}

// Status is the outcome recorded for an attempted stage.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusPrimary  Status = "primary"
	StatusFallback Status = "fallback"
	StatusTextOnly Status = "text_only"
)

// State is the orchestrator's position in the per-request state machine.
type State string

const (
	StateReceived     State = "received"
	StateTranscribing State = "transcribing"
	StateNoSpeech     State = "no_speech"
	StateTranscribed  State = "transcribed"
	StateGenerating   State = "generating"
	StateGenerated    State = "generated"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateErrored      State = "errored"
)

// StageEntry records one attempted stage.
type StageEntry struct {
	Stage  Stage
	Status Status
}

// StageStatus holds one entry per attempted stage in pipeline order. It
// marshals as a JSON object whose keys keep that order.
type StageStatus []StageEntry

func (s *StageStatus) set(stage Stage, status Status) {
	for i := range *s {
		if (*s)[i].Stage == stage {
			(*s)[i].Status = status
			return
		}
	}
	*s = append(*s, StageEntry{Stage: stage, Status: status})
}

// Get returns the status recorded for stage.
func (s StageStatus) Get(stage Stage) (Status, bool) {
	for _, e := range s {
		if e.Stage == stage {
			return e.Status, true
		}
	}
	return "", false
}

func (s StageStatus) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(string(e.Stage))
		v, _ := json.Marshal(string(e.Status))
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var m map[Stage]Status
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(StageStatus, 0, len(m))
	for _, st := range stageOrder {
		if v, ok := m[st]; ok {
			out = append(out, StageEntry{Stage: st, Status: v})
		}
	}
	*s = out
	return nil
}

// ErrorRecord is the caller-visible description of a failure.
type ErrorRecord struct {
	Kind        apierror.Kind `json:"kind"`
	Message     string        `json:"message"`
	Stage       string        `json:"stage"`
	Reason      string        `json:"reason,omitempty"`
	UserMessage string        `json:"user_message"`
}

// Result is the structured response for one pipeline run.
type Result struct {
	Success        bool         `json:"success"`
	SessionID      string       `json:"session_id"`
	State          State        `json:"state"`
	Transcription  *string      `json:"transcription"`
	ReplyText      *string      `json:"reply_text"`
	AudioRef       *string      `json:"audio_ref"`
	Tier           Tier         `json:"tier,omitempty"`
	StageStatus    StageStatus  `json:"stage_status"`
	NoSpeech       bool         `json:"no_speech,omitempty"`
	Message        string       `json:"message,omitempty"`
	Error          *ErrorRecord `json:"error"`
	RetrySuggested bool         `json:"retry_suggested,omitempty"`
	DurationMs     float64      `json:"duration_ms"`
}

// HTTPStatus maps the result to a response status code.
func (r Result) HTTPStatus() int {
	if r.NoSpeech {
		return http.StatusBadRequest
	}
	if r.Error == nil {
		return http.StatusOK
	}
	return apierror.HTTPStatus(&apierror.Error{Kind: r.Error.Kind, Reason: r.Error.Reason})
}

func newErrorRecord(e *apierror.Error) *ErrorRecord {
	return &ErrorRecord{
		Kind:        e.Kind,
		Message:     e.Msg,
		Stage:       e.Stage,
		Reason:      e.Reason,
		UserMessage: apierror.UserMessage(e.Kind, e.Reason),
	}
}

func strPtr(s string) *string { return &s }

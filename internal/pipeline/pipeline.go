package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/session"
	"github.com/hubenschmidt/voice-agent/internal/trace"
)

const (
	// DefaultMaxAudioBytes caps an uploaded recording.
	DefaultMaxAudioBytes = 25 << 20
	// DefaultRequestTimeout exceeds the default STT poll ceiling so that a
	// stalled transcription surfaces as SttError rather than NetworkError.
	DefaultRequestTimeout = 90 * time.Second
)

// Config holds orchestrator dependencies and limits.
type Config struct {
	Transcriber        Transcriber
	Generator          *Generator
	Cascade            *Cascade
	Sessions           *session.Store
	Personas           *prompts.Catalog
	Errors             ErrorRecorder
	Tracer             *trace.Tracer
	MaxAudioBytes      int
	RequestTimeout     time.Duration
	SilenceThresholdDB float64
}

// Orchestrator drives one utterance through STT → LLM → TTS.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator, filling unset limits with defaults.
func New(cfg Config) *Orchestrator {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = audio.DefaultSilenceThresholdDB
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore()
	}
	if cfg.Personas == nil {
		cfg.Personas = prompts.Builtin(prompts.Default.Name)
	}
	if cfg.Cascade == nil {
		cfg.Cascade = NewCascade(nil, 0, cfg.Errors)
	}
	return &Orchestrator{cfg: cfg}
}

// Request is one recorded utterance.
type Request struct {
	SessionID string
	Audio     []byte
	VoiceID   string
	Persona   string
}

// TextRequest is one typed message.
type TextRequest struct {
	SessionID string
	Message   string
	VoiceID   string
	Persona   string
}

// configurable is implemented by clients that can detect missing credentials
// without a network call.
type configurable interface {
	Configured() bool
}

// run is the per-request state machine.
type run struct {
	o       *Orchestrator
	res     Result
	start   time.Time
	runID   string
	persona prompts.Persona
	voiceID string
}

func (o *Orchestrator) begin(sessionID, personaName, voiceID string) *run {
	persona := o.cfg.Personas.Get(personaName)
	if voiceID == "" {
		voiceID = persona.VoiceID
	}
	return &run{
		o:       o,
		start:   time.Now(),
		runID:   o.cfg.Tracer.StartRun(sessionID),
		persona: persona,
		voiceID: voiceID,
		res: Result{
			SessionID:   sessionID,
			State:       StateReceived,
			StageStatus: StageStatus{},
		},
	}
}

// Run processes a recorded utterance.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	r := o.begin(req.SessionID, req.Persona, req.VoiceID)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	if len(req.Audio) == 0 {
		return r.noSpeech("empty recording", false)
	}
	if err := o.validate(req.Audio); err != nil {
		return r.fail(err)
	}
	if o.silent(req.Audio) {
		return r.noSpeech("silent recording", false)
	}

	r.res.State = StateTranscribing
	sttStart := time.Now()
	transcript, err := o.cfg.Transcriber.Transcribe(ctx, req.Audio)
	if err != nil {
		return r.failStage(StageSTT, sttStart, apierror.Classify(err, string(StageSTT), apierror.KindSTT))
	}
	r.span(StageSTT, sttStart, StatusOK, "")

	text := strings.TrimSpace(transcript.Text)
	if text == "" || isNoiseTranscript(text) {
		return r.noSpeech("no speech in transcript", true)
	}
	r.res.StageStatus.set(StageSTT, StatusOK)
	r.res.Transcription = strPtr(text)
	r.res.State = StateTranscribed
	slog.Info("transcript", "session_id", req.SessionID, "text", text, "polls", transcript.Polls, "stt_ms", transcript.LatencyMs)

	return r.respond(ctx, text)
}

// RunText processes a typed message, starting at generation.
func (o *Orchestrator) RunText(ctx context.Context, req TextRequest) Result {
	r := o.begin(req.SessionID, req.Persona, req.VoiceID)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return r.fail(apierror.New(apierror.KindFile, string(StageLLM), apierror.ReasonEmpty, "message is required"))
	}
	if err := o.validateLLM(string(StageLLM)); err != nil {
		return r.fail(err)
	}
	r.res.Transcription = strPtr(text)
	r.res.State = StateTranscribed
	return r.respond(ctx, text)
}

// Speak runs the synthesis cascade alone.
func (o *Orchestrator) Speak(ctx context.Context, text, voiceID string) AudioRef {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	return o.cfg.Cascade.Synthesize(ctx, text, voiceID)
}

func (o *Orchestrator) validate(data []byte) *apierror.Error {
	stage := string(StageSTT)
	if len(data) > o.cfg.MaxAudioBytes {
		return apierror.New(apierror.KindFile, stage, apierror.ReasonTooLarge, "recording exceeds size limit")
	}
	if !audio.Sniff(data).Supported() {
		return apierror.New(apierror.KindFile, stage, apierror.ReasonUnsupported, "unsupported audio format")
	}
	if o.cfg.Transcriber == nil {
		return apierror.New(apierror.KindConfig, stage, apierror.ReasonMissingKey, "speech-to-text not configured")
	}
	if c, ok := o.cfg.Transcriber.(configurable); ok && !c.Configured() {
		return apierror.New(apierror.KindConfig, stage, apierror.ReasonMissingKey, "speech-to-text api key not configured")
	}
	return o.validateLLM(stage)
}

func (o *Orchestrator) validateLLM(stage string) *apierror.Error {
	if !o.cfg.Generator.Configured() {
		return apierror.New(apierror.KindConfig, stage, apierror.ReasonMissingKey, "language model not configured")
	}
	return nil
}

// silent reports whether data is decodable PCM whose energy never rises
// above the silence threshold. Other containers are left to the provider.
func (o *Orchestrator) silent(data []byte) bool {
	if audio.Sniff(data) != audio.FormatWAV {
		return false
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return false
	}
	return audio.IsSilent(samples, rate, o.cfg.SilenceThresholdDB)
}

// respond generates under the session lock and synthesizes after release.
func (r *run) respond(ctx context.Context, text string) Result {
	sessionID := r.res.SessionID
	llmStart := time.Now()
	r.res.State = StateGenerating

	reply, err := r.generate(ctx, text)
	if err != nil {
		return r.failStage(StageLLM, llmStart, apierror.Classify(err, string(StageLLM), apierror.KindLLM))
	}
	r.span(StageLLM, llmStart, StatusOK, "")
	r.res.StageStatus.set(StageLLM, StatusOK)
	r.res.ReplyText = strPtr(reply)
	r.res.State = StateGenerated
	slog.Info("llm_response", "session_id", sessionID, "persona", r.persona.Name, "llm_ms", time.Since(llmStart).Milliseconds())

	r.res.State = StateSynthesizing
	ttsStart := time.Now()
	// An expired deadline still yields the text-only tier.
	ref := r.o.cfg.Cascade.Synthesize(ctx, reply, r.voiceID)
	if err := ctx.Err(); err != nil {
		slog.Warn("tts_deadline_exceeded", "session_id", sessionID, "tier", ref.Tier, "error", err)
	}
	r.span(StageTTS, ttsStart, ref.Tier.Status(), "")
	r.res.StageStatus.set(StageTTS, ref.Tier.Status())
	r.res.AudioRef = strPtr(ref.URL)
	r.res.Tier = ref.Tier
	r.res.Success = true
	r.res.State = StateCompleted
	return r.finish()
}

// generate holds the session lock across the user-turn append, the LLM call
// and the agent-turn append.
func (r *run) generate(ctx context.Context, text string) (string, error) {
	sessions := r.o.cfg.Sessions
	sessionID := r.res.SessionID

	unlock, err := sessions.Lock(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	history := sessions.Recent(sessionID, r.o.cfg.Generator.HistoryLimit())
	sessions.Append(sessionID, session.Turn{Role: session.RoleUser, Text: text, Timestamp: time.Now()})

	reply, err := r.o.cfg.Generator.Reply(ctx, r.persona, text, history)
	if err != nil {
		return "", err
	}
	sessions.Append(sessionID, session.Turn{Role: session.RoleAgent, Text: reply, Timestamp: time.Now()})
	return reply, nil
}

// noSpeech ends the run without an error. stt is recorded only when the
// provider was called.
func (r *run) noSpeech(why string, transcribed bool) Result {
	metrics.NoSpeech.Inc()
	if transcribed {
		r.res.StageStatus.set(StageSTT, StatusOK)
	}
	r.res.NoSpeech = true
	r.res.State = StateNoSpeech
	r.res.Message = apierror.NoSpeechMessage
	r.res.RetrySuggested = true
	slog.Info("no_speech", "session_id", r.res.SessionID, "reason", why)
	return r.finish()
}

// fail reports an error raised before any stage ran.
func (r *run) fail(e *apierror.Error) Result {
	r.record(e)
	return r.finish()
}

// failStage reports an error raised by an attempted stage.
func (r *run) failStage(stage Stage, started time.Time, e *apierror.Error) Result {
	if e.Stage == "" {
		e.Stage = string(stage)
	}
	r.res.StageStatus.set(stage, StatusFailed)
	r.span(stage, started, StatusFailed, e.Error())
	r.record(e)
	return r.finish()
}

func (r *run) record(e *apierror.Error) {
	if r.o.cfg.Errors != nil {
		r.o.cfg.Errors.Record(e.Kind)
	}
	metrics.Errors.WithLabelValues(e.Stage, string(e.Kind)).Inc()
	r.o.cfg.Sessions.RecordError(r.res.SessionID, string(e.Kind))
	r.res.Error = newErrorRecord(e)
	r.res.RetrySuggested = apierror.Retryable(e.Kind)
	r.res.State = StateErrored
	slog.Warn("pipeline_error", "session_id", r.res.SessionID, "kind", e.Kind, "stage", e.Stage, "reason", e.Reason, "error", e)
}

func (r *run) span(stage Stage, started time.Time, status Status, errMsg string) {
	r.o.cfg.Tracer.RecordSpan(r.runID, string(stage), started, string(status), errMsg)
}

func (r *run) finish() Result {
	elapsed := time.Since(r.start)
	r.res.DurationMs = float64(elapsed.Milliseconds())
	metrics.E2EDuration.Observe(elapsed.Seconds())
	metrics.RequestsTotal.WithLabelValues(string(r.res.State)).Inc()

	outcome := trace.RunOutcome{
		DurationMs: r.res.DurationMs,
		State:      string(r.res.State),
		Tier:       string(r.res.Tier),
	}
	if r.res.Transcription != nil {
		outcome.Transcript = *r.res.Transcription
	}
	if r.res.ReplyText != nil {
		outcome.Response = *r.res.ReplyText
	}
	if r.res.Error != nil {
		outcome.ErrorKind = string(r.res.Error.Kind)
	}
	r.o.cfg.Tracer.EndRun(r.runID, outcome)

	slog.Info("pipeline_done", "session_id", r.res.SessionID, "state", r.res.State, "tier", r.res.Tier, "e2e_ms", elapsed.Milliseconds())
	return r.res
}

// Sessions exposes the conversation store.
func (o *Orchestrator) Sessions() *session.Store { return o.cfg.Sessions }

// Personas exposes the persona catalog.
func (o *Orchestrator) Personas() *prompts.Catalog { return o.cfg.Personas }

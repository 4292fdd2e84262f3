package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/health"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
	"github.com/hubenschmidt/voice-agent/internal/session"
	"github.com/hubenschmidt/voice-agent/internal/trace"
)

const (
	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20

	// multipartOverhead is allowed on top of the audio limit for form fields.
	multipartOverhead = 1 << 20

	probeTimeout = 2 * time.Second
)

// chatService is the orchestrator surface used by the HTTP handlers.
type chatService interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
	RunText(ctx context.Context, req pipeline.TextRequest) pipeline.Result
	Speak(ctx context.Context, text, voiceID string) pipeline.AudioRef
}

// traceReader is the read side of the trace store.
type traceReader interface {
	ListSessions(ctx context.Context, limit, offset int) ([]trace.Session, int, error)
	ListRuns(ctx context.Context, sessionID string, limit, offset int) ([]trace.Run, error)
	GetRun(ctx context.Context, runID string) (*trace.Run, []trace.Span, error)
}

// apiStatus reports which providers have credentials.
type apiStatus struct {
	STT         bool `json:"stt"`
	LLM         bool `json:"llm"`
	TTS         bool `json:"tts"`
	FallbackTTS bool `json:"fallback_tts"`
}

func (s apiStatus) healthy() bool { return s.STT && s.LLM && s.TTS }

type deps struct {
	chat          chatService
	sessions      *session.Store
	tracker       *health.Tracker
	prober        *health.Prober
	clips         *audio.ClipStore
	status        apiStatus
	traces        traceReader
	wsHandler     http.Handler
	limiter       *rateLimiter
	debug         bool
	maxAudioBytes int
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("POST /api/chat/{session_id}", d.limiter.middleware(d.handleChat))
	mux.HandleFunc("POST /api/chat/{session_id}/text", d.limiter.middleware(d.handleChatText))
	mux.HandleFunc("GET /api/chat/{session_id}/history", d.handleHistory)
	mux.HandleFunc("DELETE /api/chat/{session_id}/history", d.handleClearHistory)
	mux.HandleFunc("POST /api/tts", d.limiter.middleware(d.handleTTS))
	mux.HandleFunc("GET /api/audio/{id}", d.handleAudio)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /api/diagnostics", d.handleDiagnostics)
	mux.Handle("GET /metrics", promhttp.Handler())
	if d.wsHandler != nil {
		mux.Handle("/ws/chat", d.wsHandler)
	}
	if d.debug {
		mux.HandleFunc("POST /api/test/simulate-error/{kind}", d.handleSimulateError)
	}
	registerTraceRoutes(mux, d.traces)
}

func resolveSessionID(id string) string {
	if id == "" || id == "new" {
		return uuid.NewString()
	}
	return id
}

func (d deps) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := resolveSessionID(r.PathValue("session_id"))
	limit := int64(d.maxAudioBytes) + multipartOverhead
	if r.ContentLength > limit {
		writeResult(w, fileErrorResult(sessionID, apierror.ReasonTooLarge, "recording exceeds size limit"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	data, err := readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeResult(w, fileErrorResult(sessionID, apierror.ReasonTooLarge, "recording exceeds size limit"))
			return
		}
		slog.Warn("upload_rejected", "session_id", sessionID, "error", err)
		writeResult(w, fileErrorResult(sessionID, apierror.ReasonEmpty, "an audio file is required"))
		return
	}

	res := d.chat.Run(r.Context(), pipeline.Request{
		SessionID: sessionID,
		Audio:     data,
		VoiceID:   r.FormValue("voice_id"),
		Persona:   r.FormValue("persona"),
	})
	writeResult(w, res)
}

// readUpload returns the "audio" part, or "file" when "audio" is absent.
func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, err
	}
	var (
		f   multipart.File
		err error
	)
	for _, field := range []string{"audio", "file"} {
		f, _, err = r.FormFile(field)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type textChatRequest struct {
	Message string `json:"message"`
	VoiceID string `json:"voice_id"`
	Persona string `json:"persona"`
}

func (d deps) handleChatText(w http.ResponseWriter, r *http.Request) {
	sessionID := resolveSessionID(r.PathValue("session_id"))
	var req textChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, multipartOverhead)).Decode(&req); err != nil {
		writeResult(w, fileErrorResult(sessionID, apierror.ReasonMalformed, "request body must be json"))
		return
	}
	res := d.chat.RunText(r.Context(), pipeline.TextRequest{
		SessionID: sessionID,
		Message:   req.Message,
		VoiceID:   req.VoiceID,
		Persona:   req.Persona,
	})
	writeResult(w, res)
}

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

func (d deps) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, multipartOverhead)).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "text is required"})
		return
	}
	ref := d.chat.Speak(r.Context(), strings.TrimSpace(req.Text), req.VoiceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"audio_ref": ref.URL,
		"tier":      ref.Tier,
		"strategy":  ref.Strategy,
	})
}

func (d deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, _ := d.sessions.Get(r.PathValue("session_id"))
	turns := sess.Turns
	if turns == nil {
		turns = []session.Turn{}
	}
	errs := sess.Errors
	if errs == nil {
		errs = map[string]int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sess.ID,
		"message_count": len(turns),
		"messages":      turns,
		"error_summary": errs,
	})
}

func (d deps) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	existed := d.sessions.Delete(id)
	slog.Info("history_cleared", "session_id", id, "existed", existed)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id, "cleared": existed})
}

func (d deps) handleAudio(w http.ResponseWriter, r *http.Request) {
	if d.clips == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	clip, ok := d.clips.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", clip.MIME)
	w.Header().Set("Cache-Control", "private, max-age=600")
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.Write(clip.Data)
}

func (d deps) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, message := "healthy", "All systems operational"
	if !d.status.healthy() {
		status, message = "degraded", "Running with reduced functionality; check api_status"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"message":      message,
		"api_status":   d.status,
		"error_counts": d.tracker.Snapshot(),
	})
}

func (d deps) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	stats := d.sessions.Stats()
	systemStatus := map[string]any{
		"api_status":     d.status,
		"total_sessions": len(stats),
	}
	if d.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		systemStatus["sidecars"] = d.prober.ProbeAll(ctx)
		cancel()
	}

	total := 0
	for _, s := range stats {
		total += s.MessageCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"system_status":    systemStatus,
		"error_statistics": d.tracker.Snapshot(),
		"total_errors":     d.tracker.Total(),
		"session_count":    len(stats),
		"total_turns":      total,
		"active_sessions":  stats,
	})
}

var simulatedKinds = map[string]apierror.Kind{
	"stt":     apierror.KindSTT,
	"llm":     apierror.KindLLM,
	"tts":     apierror.KindTTS,
	"file":    apierror.KindFile,
	"network": apierror.KindNetwork,
	"config":  apierror.KindConfig,
}

func (d deps) handleSimulateError(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("kind"))
	kind, ok := simulatedKinds[strings.TrimSuffix(name, "error")]
	if !ok {
		http.Error(w, "unknown error kind", http.StatusNotFound)
		return
	}
	d.tracker.Record(kind)
	slog.Info("error_simulated", "kind", kind)

	stage := ""
	switch kind {
	case apierror.KindSTT, apierror.KindFile:
		stage = string(pipeline.StageSTT)
	case apierror.KindLLM:
		stage = string(pipeline.StageLLM)
	case apierror.KindTTS:
		stage = string(pipeline.StageTTS)
	}
	e := apierror.New(kind, stage, apierror.ReasonProvider, "simulated failure")
	writeJSON(w, http.StatusOK, pipeline.Result{
		SessionID:      "simulated",
		State:          pipeline.StateErrored,
		StageStatus:    pipeline.StageStatus{},
		Error:          errorRecord(e),
		RetrySuggested: apierror.Retryable(kind),
	})
}

func registerTraceRoutes(mux *http.ServeMux, store traceReader) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			slog.Error("trace_list_sessions", "error", err)
			http.Error(w, "trace store unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/runs", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		runs, err := store.ListRuns(r.Context(), r.URL.Query().Get("session_id"), queryInt(r, "limit", defaultTraceSessionLimit), queryInt(r, "offset", 0))
		if err != nil {
			slog.Error("trace_list_runs", "error", err)
			http.Error(w, "trace store unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	})

	mux.HandleFunc("GET /api/traces/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		run, spans, err := store.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "spans": spans})
	})
}

func fileErrorResult(sessionID, reason, msg string) pipeline.Result {
	e := apierror.New(apierror.KindFile, string(pipeline.StageSTT), reason, msg)
	return pipeline.Result{
		SessionID:      sessionID,
		State:          pipeline.StateErrored,
		StageStatus:    pipeline.StageStatus{},
		Error:          errorRecord(e),
		RetrySuggested: apierror.Retryable(e.Kind),
	}
}

func errorRecord(e *apierror.Error) *pipeline.ErrorRecord {
	return &pipeline.ErrorRecord{
		Kind:        e.Kind,
		Message:     e.Msg,
		Stage:       e.Stage,
		Reason:      e.Reason,
		UserMessage: apierror.UserMessage(e.Kind, e.Reason),
	}
}

func writeResult(w http.ResponseWriter, res pipeline.Result) {
	writeJSON(w, res.HTTPStatus(), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write_response", "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

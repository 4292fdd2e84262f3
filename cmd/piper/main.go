package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/voice-agent/internal/env"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
)

const maxTextBytes = 16 << 10

type synthRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type server struct {
	synth   pipeline.TTSSynthesizer
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	addr := env.Str("PIPER_ADDR", ":5100")
	s := &server{
		synth: pipeline.NewPiperExecSynthesizer(
			env.Str("PIPER_BIN", "/usr/local/bin/piper"),
			env.Str("PIPER_MODEL_DIR", "/models"),
			env.Str("PIPER_VOICE", pipeline.DefaultPiperVoice),
		),
		timeout: env.Duration("PIPER_TIMEOUT", 30*time.Second),
	}

	slog.Info("piper-server listening", "addr", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		slog.Error("piper-server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /synthesize", s.handleSynthesize)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	audioData, err := s.synth.SynthesizeAudio(ctx, text, pipeline.TTSOptions{Voice: req.Voice})
	if err != nil {
		slog.Error("piper_synthesis_failed", "voice", req.Voice, "error", err)
		http.Error(w, "synthesis failed", http.StatusInternalServerError)
		return
	}
	slog.Info("piper_synthesized", "voice", req.Voice, "chars", len(text), "bytes", len(audioData), "ms", time.Since(start).Milliseconds())

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audioData)
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/health"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
	"github.com/hubenschmidt/voice-agent/internal/session"
	"github.com/hubenschmidt/voice-agent/internal/trace"
	"github.com/hubenschmidt/voice-agent/internal/ws"
)

func main() {
	// Existing environment variables take precedence over .env.
	_ = godotenv.Load()

	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.slogLevel()})))

	for _, key := range cfg.missing() {
		slog.Warn("config_missing", "key", key)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := health.NewTracker()
	clips := audio.NewClipStore(cfg.clipTTL, cfg.maxClips)
	b := buildBackends(ctx, cfg, tracker, clips)

	if b.ollama != nil && cfg.llmEngine == "ollama" {
		go func() {
			preloadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			if err := b.ollama.Preload(preloadCtx); err != nil {
				slog.Warn("ollama_preload_failed", "error", err)
				return
			}
			slog.Info("ollama_model_loaded", "model", cfg.ollamaModel)
		}()
	}

	var (
		tracer *trace.Tracer
		traces traceReader
	)
	if cfg.traceDatabaseURL != "" {
		store, err := trace.Open(ctx, cfg.traceDatabaseURL)
		if err != nil {
			slog.Warn("trace_store_unavailable", "error", err)
		} else {
			defer store.Close()
			tracer = trace.NewTracer(store)
			traces = store
			slog.Info("tracing enabled")
		}
	}

	sessions := session.NewStore(session.WithIdleTTL(cfg.sessionIdleTTL))
	go sessions.Run(ctx, cfg.sessionSweepInterval)

	orch := pipeline.New(pipeline.Config{
		Transcriber:        b.transcriber,
		Generator:          b.generator,
		Cascade:            b.cascade,
		Sessions:           sessions,
		Personas:           loadPersonas(cfg),
		Errors:             tracker,
		Tracer:             tracer,
		MaxAudioBytes:      cfg.maxAudioBytes,
		RequestTimeout:     cfg.requestTimeout,
		SilenceThresholdDB: cfg.silenceThresholdDB,
	})

	sttOK := true
	if c, ok := b.transcriber.(interface{ Configured() bool }); ok {
		sttOK = c.Configured()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		chat:     orch,
		sessions: sessions,
		tracker:  tracker,
		prober:   health.NewProber(b.sidecars, probeTimeout),
		clips:    clips,
		status: apiStatus{
			STT:         sttOK,
			LLM:         b.generator.Configured(),
			TTS:         b.primaryOK,
			FallbackTTS: b.cascade.Has(pipeline.TierSecondary),
		},
		traces: traces,
		wsHandler: ws.NewHandler(ws.HandlerConfig{
			Runner:        orch,
			MaxConcurrent: cfg.maxConcurrentCalls,
			MaxFrameBytes: int64(cfg.maxAudioBytes),
		}),
		limiter:       newRateLimiter(cfg.rateLimitRequests, cfg.rateLimitWindow, parseTrustedProxies(cfg.trustedProxies)...),
		debug:         cfg.debugEndpoints,
		maxAudioBytes: cfg.maxAudioBytes,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if b.ollama != nil && cfg.llmEngine == "ollama" {
			slog.Info("unloading ollama model")
			if err := b.ollama.Unload(shutdownCtx); err != nil {
				slog.Warn("ollama unload", "error", err)
			}
		}
		tracer.Close()
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"stt_engine", cfg.sttEngine,
		"llm_engine", cfg.llmEngine,
		"llm_engines", b.llmRouter.Engines(),
		"tts_chain", b.cascade.Strategies(),
		"max_concurrent", cfg.maxConcurrentCalls,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("gateway stopped")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/health"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
)

// backends are the provider clients selected by configuration.
type backends struct {
	transcriber pipeline.Transcriber
	generator   *pipeline.Generator
	llmRouter   *pipeline.LLMRouter
	cascade     *pipeline.Cascade
	ollama      *pipeline.OllamaLLMClient
	primaryOK   bool
	sidecars    []health.Sidecar
}

func buildTranscriber(cfg config, hc *http.Client) pipeline.Transcriber {
	if cfg.sttEngine == "whisper" {
		return pipeline.NewWhisperClient(cfg.whisperURL, hc)
	}
	policy := pipeline.PollPolicy{
		MaxAttempts: cfg.sttPollAttempts,
		Interval:    cfg.sttPollInterval,
		Exponential: cfg.sttPollBackoff,
		MaxInterval: 4 * cfg.sttPollInterval,
	}
	return pipeline.NewAssemblyAIClient(cfg.assemblyAIURL, cfg.assemblyAIKey, policy, hc)
}

// buildLLMBackends registers every engine with usable credentials. The
// selected engine may still be absent, which surfaces as ConfigError.
func buildLLMBackends(ctx context.Context, cfg config, hc *http.Client) (map[string]pipeline.LLMBackend, *pipeline.OllamaLLMClient) {
	out := map[string]pipeline.LLMBackend{}

	if cfg.geminiAPIKey != "" {
		opts := pipeline.DefaultGeminiOptions()
		opts.Model = cfg.geminiModel
		opts.BaseURL = cfg.geminiURL
		opts.MaxTokens = int32(cfg.llmMaxTokens)
		gemini, err := pipeline.NewGeminiLLMClient(ctx, cfg.geminiAPIKey, opts, hc)
		if err != nil {
			slog.Warn("llm_backend_unavailable", "engine", "gemini", "error", err)
		} else {
			out["gemini"] = gemini
		}
	}

	if cfg.openaiAPIKey != "" {
		agent, err := pipeline.NewAgentLLMClient(cfg.openaiAPIKey, cfg.openaiBaseURL, cfg.openaiModel, cfg.llmMaxTokens, 0.8)
		if err != nil {
			slog.Warn("llm_backend_unavailable", "engine", "openai", "error", err)
		} else {
			out["openai"] = agent
		}
	}

	if cfg.anthropicKey != "" {
		out["anthropic"] = pipeline.NewAnthropicLLMClient(cfg.anthropicKey, cfg.anthropicURL, cfg.anthropicMdl, cfg.llmMaxTokens, hc)
	}

	var ollama *pipeline.OllamaLLMClient
	if cfg.ollamaURL != "" {
		ollama = pipeline.NewOllamaLLMClient(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, hc)
		out["ollama"] = ollama
	}
	return out, ollama
}

// buildStrategies orders the cascade: the configured primary, then every
// available secondary. The text-only tier is appended by the cascade.
func buildStrategies(cfg config, hc *http.Client, clips *audio.ClipStore) ([]pipeline.SynthesisStrategy, bool) {
	var out []pipeline.SynthesisStrategy
	inline := pipeline.WithInline(cfg.audioInline)
	primaryOK := false

	switch cfg.ttsPrimary {
	case "elevenlabs":
		eleven := pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsURL, cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, hc)
		out = append(out, pipeline.NewClipStrategy("elevenlabs", pipeline.TierPrimary, eleven, clips, inline))
		primaryOK = cfg.elevenlabsAPIKey != ""
	default:
		murf := pipeline.NewMurfSynthesizer(cfg.murfURL, cfg.murfAPIKey, cfg.murfVoice, hc)
		out = append(out, murf)
		primaryOK = murf.Configured()
	}

	if cfg.openaiTTSURL != "" || cfg.openaiAPIKey != "" {
		url := cfg.openaiTTSURL
		if url == "" {
			url = "https://api.openai.com"
		}
		speech := pipeline.NewOpenAISynthesizer(url, cfg.openaiAPIKey, cfg.openaiTTSModel, cfg.openaiTTSVoice, hc)
		out = append(out, pipeline.NewClipStrategy("openai", pipeline.TierSecondary, speech, clips, inline))
	}
	if cfg.kokoroURL != "" {
		kokoro := pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "", "kokoro", "af_heart", hc)
		out = append(out, pipeline.NewClipStrategy("kokoro", pipeline.TierSecondary, kokoro, clips, inline))
	}
	if cfg.piperURL != "" {
		piper := pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, hc)
		out = append(out, pipeline.NewClipStrategy("piper", pipeline.TierSecondary, piper, clips, inline))
	} else if cfg.piperBin != "" {
		piper := pipeline.NewPiperExecSynthesizer(cfg.piperBin, cfg.piperModelDir, cfg.piperVoice)
		out = append(out, pipeline.NewClipStrategy("piper", pipeline.TierSecondary, piper, clips, inline))
	}
	if cfg.melottsURL != "" {
		melo := pipeline.NewMeloSynthesizer(cfg.melottsURL, hc)
		out = append(out, pipeline.NewClipStrategy("melotts", pipeline.TierSecondary, melo, clips, inline))
	}
	return out, primaryOK
}

// buildSidecars lists the self-hosted services probed by diagnostics.
func buildSidecars(cfg config) []health.Sidecar {
	s := []health.Sidecar{
		{Name: "piper", HealthURL: joinHealth(cfg.piperURL, "/health")},
		{Name: "melotts", HealthURL: joinHealth(cfg.melottsURL, "/health")},
		{Name: "kokoro", HealthURL: joinHealth(cfg.kokoroURL, "/health")},
		{Name: "ollama", HealthURL: joinHealth(cfg.ollamaURL, "/api/version")},
	}
	if cfg.sttEngine == "whisper" {
		s = append(s, health.Sidecar{Name: "whisper", HealthURL: joinHealth(cfg.whisperURL, "/health")})
	}
	return s
}

func joinHealth(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}

func buildBackends(ctx context.Context, cfg config, tracker *health.Tracker, clips *audio.ClipStore) backends {
	hc := pipeline.NewPooledHTTPClient(cfg.httpPoolSize, cfg.requestTimeout)

	llms, ollama := buildLLMBackends(ctx, cfg, hc)
	router := pipeline.NewLLMRouter(llms, cfg.llmEngine)
	strategies, primaryOK := buildStrategies(cfg, hc, clips)

	return backends{
		transcriber: buildTranscriber(cfg, hc),
		generator:   pipeline.NewGenerator(router, cfg.llmEngine, cfg.historyTurns),
		llmRouter:   router,
		cascade:     pipeline.NewCascade(strategies, cfg.ttsTimeout, tracker),
		ollama:      ollama,
		primaryOK:   primaryOK,
		sidecars:    buildSidecars(cfg),
	}
}

func loadPersonas(cfg config) *prompts.Catalog {
	if cfg.personasFile == "" {
		return prompts.Builtin(cfg.defaultPersona)
	}
	catalog, err := prompts.LoadFile(cfg.personasFile, cfg.defaultPersona)
	if err != nil {
		slog.Warn("personas_file_invalid", "path", cfg.personasFile, "error", err)
		return prompts.Builtin(cfg.defaultPersona)
	}
	return catalog
}

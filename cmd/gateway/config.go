package main

import (
	"log/slog"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/env"
	"github.com/hubenschmidt/voice-agent/internal/pipeline"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
)

type config struct {
	port     string
	logLevel string

	// speech-to-text
	sttEngine       string
	assemblyAIKey   string
	assemblyAIURL   string
	sttPollAttempts int
	sttPollInterval time.Duration
	sttPollBackoff  bool
	whisperURL      string

	// language model
	llmEngine     string
	llmMaxTokens  int
	historyTurns  int
	geminiAPIKey  string
	geminiModel   string
	geminiURL     string
	openaiAPIKey  string
	openaiBaseURL string
	openaiModel   string
	ollamaURL     string
	ollamaModel   string
	anthropicKey  string
	anthropicURL  string
	anthropicMdl  string

	// synthesis
	ttsPrimary        string
	murfAPIKey        string
	murfURL           string
	murfVoice         string
	elevenlabsAPIKey  string
	elevenlabsURL     string
	elevenlabsVoiceID string
	elevenlabsModelID string
	openaiTTSURL      string
	openaiTTSModel    string
	openaiTTSVoice    string
	piperURL          string
	piperBin          string
	piperModelDir     string
	piperVoice        string
	melottsURL        string
	kokoroURL         string
	ttsTimeout        time.Duration
	audioInline       bool
	clipTTL           time.Duration
	maxClips          int

	// limits
	maxAudioBytes      int
	requestTimeout     time.Duration
	silenceThresholdDB float64
	maxConcurrentCalls int
	rateLimitRequests  int
	rateLimitWindow    time.Duration
	trustedProxies     string
	httpPoolSize       int

	// sessions and personas
	sessionIdleTTL       time.Duration
	sessionSweepInterval time.Duration
	personasFile         string
	defaultPersona       string

	traceDatabaseURL string
	debugEndpoints   bool
}

func loadConfig() config {
	return config{
		port:     env.Str("GATEWAY_PORT", "8000"),
		logLevel: env.Str("LOG_LEVEL", "info"),

		sttEngine:       env.Str("STT_ENGINE", "assemblyai"),
		assemblyAIKey:   env.Str("ASSEMBLYAI_API_KEY", ""),
		assemblyAIURL:   env.Str("ASSEMBLYAI_URL", "https://api.assemblyai.com/v2"),
		sttPollAttempts: env.Int("STT_POLL_ATTEMPTS", pipeline.DefaultPollPolicy().MaxAttempts),
		sttPollInterval: env.Duration("STT_POLL_INTERVAL", pipeline.DefaultPollPolicy().Interval),
		sttPollBackoff:  env.Bool("STT_POLL_BACKOFF", false),
		whisperURL:      env.Str("WHISPER_URL", ""),

		llmEngine:     env.Str("LLM_ENGINE", "gemini"),
		llmMaxTokens:  env.Int("LLM_MAX_TOKENS", 150),
		historyTurns:  env.Int("LLM_HISTORY_TURNS", pipeline.DefaultHistoryLimit),
		geminiAPIKey:  env.Str("GEMINI_API_KEY", ""),
		geminiModel:   env.Str("GEMINI_MODEL", pipeline.DefaultGeminiOptions().Model),
		geminiURL:     env.Str("GEMINI_BASE_URL", ""),
		openaiAPIKey:  env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL: env.Str("OPENAI_BASE_URL", ""),
		openaiModel:   env.Str("OPENAI_MODEL", "gpt-4o-mini"),
		ollamaURL:     env.Str("OLLAMA_URL", ""),
		ollamaModel:   env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		anthropicKey:  env.Str("ANTHROPIC_API_KEY", ""),
		anthropicURL:  env.Str("ANTHROPIC_URL", "https://api.anthropic.com"),
		anthropicMdl:  env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		ttsPrimary:        env.Str("TTS_PRIMARY", "murf"),
		murfAPIKey:        env.Str("MURF_API_KEY", ""),
		murfURL:           env.Str("MURF_URL", "https://api.murf.ai/v1/speech/generate"),
		murfVoice:         env.Str("MURF_VOICE_ID", prompts.Default.VoiceID),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsURL:     env.Str("ELEVENLABS_URL", "https://api.elevenlabs.io"),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		openaiTTSURL:      env.Str("OPENAI_TTS_URL", ""),
		openaiTTSModel:    env.Str("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		openaiTTSVoice:    env.Str("OPENAI_TTS_VOICE", "alloy"),
		piperURL:          env.Str("PIPER_URL", ""),
		piperBin:          env.Str("PIPER_BIN", ""),
		piperModelDir:     env.Str("PIPER_MODEL_DIR", "models"),
		piperVoice:        env.Str("PIPER_VOICE", pipeline.DefaultPiperVoice),
		melottsURL:        env.Str("MELOTTS_URL", ""),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		ttsTimeout:        env.Duration("TTS_TIMEOUT", pipeline.DefaultStrategyTimeout),
		audioInline:       env.Bool("AUDIO_INLINE", false),
		clipTTL:           env.Duration("AUDIO_CLIP_TTL", 15*time.Minute),
		maxClips:          env.Int("AUDIO_MAX_CLIPS", 500),

		maxAudioBytes:      env.Int("MAX_AUDIO_BYTES", pipeline.DefaultMaxAudioBytes),
		requestTimeout:     env.Duration("REQUEST_TIMEOUT", pipeline.DefaultRequestTimeout),
		silenceThresholdDB: env.Float("SILENCE_THRESHOLD_DB", audio.DefaultSilenceThresholdDB),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		rateLimitRequests:  env.Int("RATE_LIMIT_REQUESTS", 30),
		rateLimitWindow:    env.Duration("RATE_LIMIT_WINDOW", time.Minute),
		trustedProxies:     env.Str("TRUSTED_PROXIES", ""),
		httpPoolSize:       env.Int("HTTP_POOL_SIZE", 50),

		sessionIdleTTL:       env.Duration("SESSION_IDLE_TTL", 30*time.Minute),
		sessionSweepInterval: env.Duration("SESSION_SWEEP_INTERVAL", time.Minute),
		personasFile:         env.Str("PERSONAS_FILE", ""),
		defaultPersona:       env.Str("DEFAULT_PERSONA", prompts.Default.Name),

		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
		debugEndpoints:   env.Bool("DEBUG_ENDPOINTS", false),
	}
}

func (c config) slogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.logLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// missing lists credentials required by the selected engines that are unset.
func (c config) missing() []string {
	var out []string
	if c.sttEngine == "assemblyai" && c.assemblyAIKey == "" {
		out = append(out, "ASSEMBLYAI_API_KEY")
	}
	if c.sttEngine == "whisper" && c.whisperURL == "" {
		out = append(out, "WHISPER_URL")
	}
	switch c.llmEngine {
	case "gemini":
		if c.geminiAPIKey == "" {
			out = append(out, "GEMINI_API_KEY")
		}
	case "openai":
		if c.openaiAPIKey == "" {
			out = append(out, "OPENAI_API_KEY")
		}
	case "anthropic":
		if c.anthropicKey == "" {
			out = append(out, "ANTHROPIC_API_KEY")
		}
	case "ollama":
		if c.ollamaURL == "" {
			out = append(out, "OLLAMA_URL")
		}
	}
	if c.ttsPrimary == "murf" && c.murfAPIKey == "" {
		out = append(out, "MURF_API_KEY")
	}
	if c.ttsPrimary == "elevenlabs" && c.elevenlabsAPIKey == "" {
		out = append(out, "ELEVENLABS_API_KEY")
	}
	return out
}

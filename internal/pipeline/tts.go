package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Tier is a synthesis quality level.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTextOnly  Tier = "text_only"
)

// Status maps a tier to its stage status.
func (t Tier) Status() Status {
	switch t {
	case TierPrimary:
		return StatusPrimary
	case TierSecondary:
		return StatusFallback
	}
	return StatusTextOnly
}

// TextOnlyPrefix marks an audio reference that carries no audio.
const TextOnlyPrefix = "TEXT_ONLY:"

// DefaultStrategyTimeout bounds one synthesis attempt.
const DefaultStrategyTimeout = 30 * time.Second

// SynthesisStrategy produces a playable reference for text.
type SynthesisStrategy interface {
	Name() string
	Tier() Tier
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

// ErrorRecorder counts classified failures.
type ErrorRecorder interface {
	Record(kind apierror.Kind)
}

// AudioRef is the outcome of a cascade run.
type AudioRef struct {
	URL      string `json:"audio_ref"`
	Tier     Tier   `json:"tier"`
	Strategy string `json:"strategy"`
}

// Cascade tries strategies in order and falls back to text only.
type Cascade struct {
	strategies []SynthesisStrategy
	timeout    time.Duration
	errors     ErrorRecorder
}

// NewCascade builds a cascade over strategies, which should be ordered from
// best to worst. The text-only tier is always appended.
func NewCascade(strategies []SynthesisStrategy, timeout time.Duration, errs ErrorRecorder) *Cascade {
	if timeout <= 0 {
		timeout = DefaultStrategyTimeout
	}
	all := make([]SynthesisStrategy, 0, len(strategies)+1)
	for _, s := range strategies {
		if s != nil {
			all = append(all, s)
		}
	}
	all = append(all, textOnly{})
	return &Cascade{strategies: all, timeout: timeout, errors: errs}
}

// Has reports whether any strategy of tier is configured.
func (c *Cascade) Has(tier Tier) bool {
	for _, s := range c.strategies {
		if s.Tier() == tier {
			return true
		}
	}
	return false
}

// Strategies lists the configured strategy names in order.
func (c *Cascade) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Synthesize returns the first successful reference. It never fails: the
// last tier is text only. A degraded synthesis records one TtsError.
func (c *Cascade) Synthesize(ctx context.Context, text, voiceID string) AudioRef {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
	}()

	degraded := false
	for _, s := range c.strategies {
		url, err := c.attempt(ctx, s, text, voiceID)
		if err == nil && url != "" {
			if degraded && c.errors != nil {
				c.errors.Record(apierror.KindTTS)
			}
			metrics.TTSTier.WithLabelValues(string(s.Tier())).Inc()
			return AudioRef{URL: url, Tier: s.Tier(), Strategy: s.Name()}
		}
		if err == nil {
			err = fmt.Errorf("empty audio reference")
		}
		degraded = true
		metrics.TTSStrategyFailures.WithLabelValues(s.Name()).Inc()
		slog.Warn("tts_tier_failed", "strategy", s.Name(), "tier", s.Tier(), "error", err)
	}
	// unreachable: textOnly always succeeds
	return AudioRef{URL: TextOnlyPrefix + text, Tier: TierTextOnly, Strategy: "text_only"}
}

func (c *Cascade) attempt(ctx context.Context, s SynthesisStrategy, text, voiceID string) (string, error) {
	if s.Tier() == TierTextOnly {
		return s.Synthesize(ctx, text, voiceID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return s.Synthesize(ctx, text, voiceID)
}

type textOnly struct{}

func (textOnly) Name() string { return "text_only" }
func (textOnly) Tier() Tier   { return TierTextOnly }
func (textOnly) Synthesize(_ context.Context, text, _ string) (string, error) {
	return TextOnlyPrefix + text, nil
}

// --- byte-producing synthesizers ---

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// TTSSynthesizer produces audio from text.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}

// ClipStrategy adapts a TTSSynthesizer to the cascade. Audio is held in a
// clip store and served by id, or inlined as a data URL.
type ClipStrategy struct {
	name      string
	tier      Tier
	synth     TTSSynthesizer
	clips     *audio.ClipStore
	inline    bool
	passVoice bool
}

// ClipOption configures a ClipStrategy.
type ClipOption func(*ClipStrategy)

// WithInline returns data URLs instead of stored clip paths.
func WithInline(inline bool) ClipOption {
	return func(c *ClipStrategy) { c.inline = inline }
}

// WithVoice forwards the caller's voice id to the synthesizer.
func WithVoice() ClipOption {
	return func(c *ClipStrategy) { c.passVoice = true }
}

// NewClipStrategy wraps synth as a cascade strategy.
func NewClipStrategy(name string, tier Tier, synth TTSSynthesizer, clips *audio.ClipStore, opts ...ClipOption) *ClipStrategy {
	c := &ClipStrategy{name: name, tier: tier, synth: synth, clips: clips}
	for _, o := range opts {
		o(c)
	}
	if c.clips == nil {
		c.inline = true
	}
	return c
}

func (c *ClipStrategy) Name() string { return c.name }
func (c *ClipStrategy) Tier() Tier   { return c.tier }

func (c *ClipStrategy) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	var opts TTSOptions
	if c.passVoice {
		opts.Voice = voiceID
	}
	data, err := c.synth.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s returned no audio", c.name)
	}
	mime := audio.Sniff(data).MIME()
	if c.inline {
		return audio.DataURL(data, mime), nil
	}
	return "/api/audio/" + c.clips.Put(data, mime), nil
}

// --- Piper backend (local neural TTS via piper-tts sidecar, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) TTSSynthesizer {
	return &piperSynthesizer{url: strings.TrimRight(url, "/"), voice: voice, client: client}
}

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := p.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal piper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create piper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doTTSRequest(p.client, req)
}

// --- OpenAI-compatible backend (OpenAI, Kokoro, Orpheus: any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

func NewOpenAISynthesizer(url, apiKey, model, voice string, client *http.Client) TTSSynthesizer {
	return &openaiSynthesizer{url: strings.TrimRight(url, "/"), apiKey: apiKey, model: model, voice: voice, client: client}
}

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body, err := json.Marshal(struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "mp3"})
	if err != nil {
		return nil, fmt.Errorf("marshal openai tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create openai tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	return doTTSRequest(o.client, req)
}

// --- ElevenLabs backend (cloud API, returns MP3 via api.elevenlabs.io) ---

type elevenlabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(baseURL, apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	if baseURL == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	return &elevenlabsSynthesizer{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, voiceID: voiceID, modelID: modelID, client: client}
}

func (e *elevenlabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	if e.apiKey == "" {
		return nil, apierror.New(apierror.KindConfig, string(StageTTS), apierror.ReasonMissingKey, "elevenlabs api key not configured")
	}
	voiceID := e.voiceID
	if opts.Voice != "" {
		voiceID = opts.Voice
	}
	body, err := json.Marshal(struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create elevenlabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	return doTTSRequest(e.client, req)
}

// --- MeloTTS backend (self-hosted multilingual TTS, /convert/tts endpoint) ---

type meloSynthesizer struct {
	url    string
	client *http.Client
}

func NewMeloSynthesizer(url string, client *http.Client) TTSSynthesizer {
	return &meloSynthesizer{url: strings.TrimRight(url, "/"), client: client}
}

func (m *meloSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}
	body, err := json.Marshal(struct {
		Text      string  `json:"text"`
		Speed     float64 `json:"speed"`
		Language  string  `json:"language"`
		SpeakerID string  `json:"speaker_id"`
	}{Text: text, Speed: speed, Language: "EN", SpeakerID: "EN-Default"})
	if err != nil {
		return nil, fmt.Errorf("marshal melo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url+"/convert/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create melo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doTTSRequest(m.client, req)
}

// --- shared HTTP helper ---

func doTTSRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

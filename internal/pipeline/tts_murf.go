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

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

const (
	murfDefaultURL = "https://api.murf.ai/v1/speech/generate"
	murfMaxChars   = 3000
	murfKeepChars  = 2950
)

// MurfSynthesizer is the primary network voice. Murf deployments disagree
// on the auth header and the voice field name, so every combination is
// tried until one answers with audio.
type MurfSynthesizer struct {
	url          string
	apiKey       string
	defaultVoice string
	client       *http.Client
}

// NewMurfSynthesizer creates a Murf strategy. An empty url selects the public API.
func NewMurfSynthesizer(url, apiKey, defaultVoice string, client *http.Client) *MurfSynthesizer {
	if url == "" {
		url = murfDefaultURL
	}
	return &MurfSynthesizer{url: url, apiKey: apiKey, defaultVoice: defaultVoice, client: client}
}

func (m *MurfSynthesizer) Name() string { return "murf" }
func (m *MurfSynthesizer) Tier() Tier   { return TierPrimary }

// Configured reports whether credentials are present.
func (m *MurfSynthesizer) Configured() bool { return m.apiKey != "" }

type murfResponse struct {
	AudioFile   string `json:"audioFile"`
	URL         string `json:"url"`
	AudioURL    string `json:"audioUrl"`
	AudioData   string `json:"audioData"`
	AudioBase64 string `json:"audioBase64"`
}

func (r murfResponse) ref() string {
	for _, u := range []string{r.AudioFile, r.URL, r.AudioURL} {
		if u != "" {
			return u
		}
	}
	for _, d := range []string{r.AudioData, r.AudioBase64} {
		if d != "" {
			return "data:audio/mp3;base64," + d
		}
	}
	return ""
}

// Synthesize returns a Murf-hosted URL or an inline mp3 data URL.
func (m *MurfSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if !m.Configured() {
		return "", apierror.New(apierror.KindConfig, string(StageTTS), apierror.ReasonMissingKey, "murf api key not configured")
	}
	if voiceID == "" {
		voiceID = m.defaultVoice
	}
	text = truncateForMurf(text)

	var lastErr error
	for _, header := range m.headerVariants() {
		for _, voiceField := range []string{"voiceId", "voice"} {
			ref, err := m.attempt(ctx, header, murfPayload(text, voiceField, voiceID))
			if err == nil && ref != "" {
				return ref, nil
			}
			if err == nil {
				err = fmt.Errorf("murf response without audio")
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			slog.Debug("murf_variant_failed", "header", header[0], "voice_field", voiceField, "error", err)
			lastErr = err
		}
	}
	return "", fmt.Errorf("murf: all variants failed: %w", lastErr)
}

func (m *MurfSynthesizer) headerVariants() [][2]string {
	return [][2]string{
		{"Authorization", "Bearer " + m.apiKey},
		{"api-key", m.apiKey},
	}
}

func murfPayload(text, voiceField, voiceID string) map[string]any {
	return map[string]any{
		"text":           text,
		voiceField:       voiceID,
		"format":         "mp3",
		"speed":          1.0,
		"pitch":          1.0,
		"volume":         1.0,
		"pauseAfter":     0,
		"encodeAsBase64": false,
	}
}

func truncateForMurf(text string) string {
	if len(text) <= murfMaxChars {
		return text
	}
	cut := murfKeepChars
	// avoid splitting a multi-byte rune
	for cut > 0 && !utf8Start(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func (m *MurfSynthesizer) attempt(ctx context.Context, header [2]string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal murf request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create murf request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header[0], header[1])

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return "", fmt.Errorf("murf request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("murf status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out murfResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode murf response: %w", err)
	}
	return out.ref(), nil
}

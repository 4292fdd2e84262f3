package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/audio"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// WhisperClient transcribes in a single request against a whisper-compatible
// HTTP server (whisper.cpp /inference). It is the self-hosted alternative to
// the upload+poll provider.
type WhisperClient struct {
	url      string
	endpoint string
	client   *http.Client
}

// NewWhisperClient creates a client for the whisper.cpp server at url.
func NewWhisperClient(url string, client *http.Client) *WhisperClient {
	return &WhisperClient{
		url:      strings.TrimRight(url, "/"),
		endpoint: "/inference",
		client:   client,
	}
}

// Configured reports whether a server URL is set.
func (c *WhisperClient) Configured() bool { return c.url != "" }

// Warmup sends a tiny silent clip to verify the server is responsive.
func (c *WhisperClient) Warmup(ctx context.Context) error {
	_, err := c.post(ctx, audio.SilenceWAV(1000, 16000))
	return err
}

// Transcribe posts the recording as a multipart file.
func (c *WhisperClient) Transcribe(ctx context.Context, data []byte) (*Transcript, error) {
	start := time.Now()
	text, err := c.post(ctx, data)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("stt").Observe(latency.Seconds())
	return &Transcript{Text: text, LatencyMs: float64(latency.Milliseconds())}, nil
}

func (c *WhisperClient) post(ctx context.Context, data []byte) (string, error) {
	if !c.Configured() {
		return "", apierror.New(apierror.KindConfig, string(StageSTT), apierror.ReasonMissingKey, "whisper url not configured")
	}
	body, contentType, err := buildMultipartAudio(data)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create whisper request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return "", apierror.Classify(fmt.Errorf("whisper request: %w", err), string(StageSTT), apierror.KindSTT)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		return "", apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonStatus,
			fmt.Sprintf("whisper status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apierror.Wrap(apierror.KindSTT, string(StageSTT), apierror.ReasonMalformed, "decode whisper response", err)
	}
	return result.Text, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

func buildMultipartAudio(data []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+string(audio.Sniff(data)))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write form field: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

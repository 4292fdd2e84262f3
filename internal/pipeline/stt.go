package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// Transcriber converts a recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}

// Transcript holds the transcription output.
type Transcript struct {
	Text      string  `json:"text"`
	JobID     string  `json:"job_id"`
	Polls     int     `json:"polls"`
	LatencyMs float64 `json:"latency_ms"`
}

// PollPolicy bounds how long a transcription job is waited on.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	// Exponential doubles the interval after each poll, capped at MaxInterval.
	Exponential bool
	MaxInterval time.Duration
}

// DefaultPollPolicy polls once per second for up to 60 attempts.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 60, Interval: time.Second}
}

func (p PollPolicy) backoff() retry.Backoff {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var b retry.Backoff
	if p.Exponential {
		b = retry.NewExponential(interval)
	} else {
		b = retry.NewConstant(interval)
	}
	if p.MaxInterval > 0 {
		b = retry.WithCappedDuration(p.MaxInterval, b)
	}
	attempts := max(p.MaxAttempts, 1)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

const (
	jobQueued     = "queued"
	jobProcessing = "processing"
	jobCompleted  = "completed"
	jobError      = "error"
)

var errStillProcessing = errors.New("transcription still processing")

// AssemblyAIClient transcribes through the upload, create-job, poll protocol.
type AssemblyAIClient struct {
	baseURL  string
	apiKey   string
	language string
	policy   PollPolicy
	client   *http.Client
}

// NewAssemblyAIClient creates a transcription client. An empty apiKey makes
// every call fail with ConfigError.
func NewAssemblyAIClient(baseURL, apiKey string, policy PollPolicy, client *http.Client) *AssemblyAIClient {
	return &AssemblyAIClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		language: "en",
		policy:   policy,
		client:   client,
	}
}

// Configured reports whether credentials are present.
func (c *AssemblyAIClient) Configured() bool { return c.apiKey != "" }

// Transcribe uploads audio, creates a job and polls it to completion.
func (c *AssemblyAIClient) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if !c.Configured() {
		return nil, apierror.New(apierror.KindConfig, string(StageSTT), apierror.ReasonMissingKey, "speech-to-text api key not configured")
	}
	start := time.Now()

	uploadURL, err := c.upload(ctx, audio)
	if err != nil {
		return nil, err
	}
	jobID, err := c.createJob(ctx, uploadURL)
	if err != nil {
		return nil, err
	}
	text, polls, err := c.poll(ctx, jobID)
	metrics.STTPollAttempts.Observe(float64(polls))
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("stt").Observe(latency.Seconds())
	return &Transcript{
		Text:      text,
		JobID:     jobID,
		Polls:     polls,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

func (c *AssemblyAIClient) upload(ctx context.Context, audio []byte) (string, error) {
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(audio), &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonMalformed, "upload response missing upload_url")
	}
	return out.UploadURL, nil
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code"`
	Punctuate    bool   `json:"punctuate"`
	FormatText   bool   `json:"format_text"`
}

type transcriptJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (c *AssemblyAIClient) createJob(ctx context.Context, uploadURL string) (string, error) {
	body, err := json.Marshal(transcriptRequest{
		AudioURL:     uploadURL,
		LanguageCode: c.language,
		Punctuate:    true,
		FormatText:   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal transcript request: %w", err)
	}
	var job transcriptJob
	if err = c.do(ctx, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonMalformed, "transcript response missing id")
	}
	return job.ID, nil
}

// poll checks the job until it leaves queued/processing or the policy runs out.
func (c *AssemblyAIClient) poll(ctx context.Context, jobID string) (string, int, error) {
	var (
		polls int
		text  string
	)
	err := retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		polls++
		var job transcriptJob
		if err := c.do(ctx, http.MethodGet, "/v2/transcript/"+jobID, "", nil, &job); err != nil {
			return err
		}
		switch job.Status {
		case jobCompleted:
			text = job.Text
			return nil
		case jobError:
			msg := job.Error
			if msg == "" {
				msg = "transcription failed"
			}
			return apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonProvider, msg)
		case jobQueued, jobProcessing:
			return retry.RetryableError(errStillProcessing)
		}
		return apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonMalformed, fmt.Sprintf("unknown job status %q", job.Status))
	})
	if errors.Is(err, errStillProcessing) {
		slog.Warn("stt_poll_timeout", "job_id", jobID, "polls", polls)
		return "", polls, apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonTimeout, "timeout")
	}
	if err != nil {
		return "", polls, apierror.Classify(err, string(StageSTT), apierror.KindSTT)
	}
	return text, polls, nil
}

func (c *AssemblyAIClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create stt request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("stt", "http").Inc()
		return apierror.Classify(fmt.Errorf("stt %s %s: %w", method, path, err), string(StageSTT), apierror.KindSTT)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("stt", "status").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apierror.New(apierror.KindSTT, string(StageSTT), apierror.ReasonStatus,
			fmt.Sprintf("stt status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierror.Wrap(apierror.KindSTT, string(StageSTT), apierror.ReasonMalformed, "decode stt response", err)
	}
	return nil
}

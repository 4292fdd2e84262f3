package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// GeminiOptions are the sampling parameters sent with every request.
type GeminiOptions struct {
	Model       string
	BaseURL     string
	Temperature float32
	TopP        float32
	MaxTokens   int32
}

// DefaultGeminiOptions match the conversational voice profile.
func DefaultGeminiOptions() GeminiOptions {
	return GeminiOptions{
		Model:       "gemini-2.0-flash",
		Temperature: 0.8,
		TopP:        0.9,
		MaxTokens:   120,
	}
}

// GeminiLLMClient completes prompts with the Gemini API.
type GeminiLLMClient struct {
	client *genai.Client
	opts   GeminiOptions
}

// NewGeminiLLMClient creates a Gemini client. It does not contact the API.
func NewGeminiLLMClient(ctx context.Context, apiKey string, opts GeminiOptions, hc *http.Client) (*GeminiLLMClient, error) {
	if apiKey == "" {
		return nil, apierror.New(apierror.KindConfig, string(StageLLM), apierror.ReasonMissingKey, "gemini api key not configured")
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiLLMClient{client: client, opts: opts}, nil
}

// Complete generates a single reply.
func (c *GeminiLLMClient) Complete(ctx context.Context, in Completion) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.opts.Temperature),
		TopP:            genai.Ptr(c.opts.TopP),
		MaxOutputTokens: c.opts.MaxTokens,
	}
	if in.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(in.System, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.opts.Model, genai.Text(in.Prompt), cfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	if blocked(resp) {
		metrics.Errors.WithLabelValues("llm", "content_filter").Inc()
		return "", apierror.New(apierror.KindLLM, string(StageLLM), apierror.ReasonContentFilter, "response blocked by safety filter")
	}
	return resp.Text(), nil
}

func blocked(resp *genai.GenerateContentResponse) bool {
	if resp == nil {
		return false
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return true
	}
	for _, cand := range resp.Candidates {
		switch cand.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return true
		}
	}
	return false
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		return apierror.Wrap(apierror.KindLLM, string(StageLLM), apierror.ReasonStatus,
			fmt.Sprintf("gemini status %d: %s", apiErr.Code, apiErr.Message), err)
	}
	metrics.Errors.WithLabelValues("llm", "http").Inc()
	return fmt.Errorf("gemini request: %w", err)
}

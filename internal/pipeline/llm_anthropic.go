package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// AnthropicLLMClient streams completions from the Anthropic Messages API.
type AnthropicLLMClient struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicLLMClient creates an Anthropic streaming client.
func NewAnthropicLLMClient(apiKey, url, model string, maxTokens int, client *http.Client) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		apiKey:    apiKey,
		url:       strings.TrimRight(url, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    client,
	}
}

// Complete sends the prompt to the Messages API and collects the stream.
func (c *AnthropicLLMClient) Complete(ctx context.Context, in Completion) (string, error) {
	if c.apiKey == "" {
		return "", apierror.New(apierror.KindConfig, string(StageLLM), apierror.ReasonMissingKey, "anthropic api key not configured")
	}
	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    in.System,
		Messages:  []anthropicMessage{{Role: "user", Content: in.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apierror.New(apierror.KindLLM, string(StageLLM), apierror.ReasonStatus,
			fmt.Sprintf("anthropic status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))))
	}

	sr := consumeAnthropicStream(resp.Body)
	if sr.stopReason == "refusal" {
		return "", apierror.New(apierror.KindLLM, string(StageLLM), apierror.ReasonContentFilter, "response refused")
	}
	return sr.text, nil
}

type anthropicStream struct {
	text       string
	stopReason string
}

func consumeAnthropicStream(body io.Reader) anthropicStream {
	var sr anthropicStream
	scanner := bufio.NewScanner(body)
	var eventType string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch eventType {
		case "message_stop":
			return sr
		case "message_delta":
			var md anthropicMessageDelta
			if json.Unmarshal([]byte(data), &md) == nil && md.Delta.StopReason != "" {
				sr.stopReason = md.Delta.StopReason
			}
		case "content_block_delta":
			var delta anthropicDeltaEvent
			if json.Unmarshal([]byte(data), &delta) != nil {
				continue
			}
			// thinking deltas are not spoken
			if delta.Delta.Type == "thinking_delta" {
				continue
			}
			sr.text += delta.Delta.Text
		}
	}

	return sr
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDeltaEvent struct {
	Delta anthropicDelta `json:"delta"`
}

type anthropicDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

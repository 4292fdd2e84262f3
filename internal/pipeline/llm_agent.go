package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voice-agent/internal/apierror"
	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// AgentLLMClient completes prompts through the openai-agents-go runner
// against any OpenAI-compatible endpoint.
type AgentLLMClient struct {
	provider    agents.ModelProvider
	model       string
	maxTokens   int
	temperature float64
}

// NewAgentLLMClient creates a client for the chat completions API at baseURL.
func NewAgentLLMClient(apiKey, baseURL, model string, maxTokens int, temperature float64) (*AgentLLMClient, error) {
	if apiKey == "" {
		return nil, apierror.New(apierror.KindConfig, string(StageLLM), apierror.ReasonMissingKey, "openai api key not configured")
	}
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return &AgentLLMClient{
		provider:    agents.NewOpenAIProvider(params),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// Complete runs a single-turn agent and collects the streamed text.
func (a *AgentLLMClient) Complete(ctx context.Context, in Completion) (string, error) {
	agent := agents.New("assistant").
		WithInstructions(in.System).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens:   param.NewOpt(int64(a.maxTokens)),
			Temperature: param.NewOpt(a.temperature),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	events, errCh, err := runner.RunStreamedChan(ctx, agent, in.Prompt)
	if err != nil {
		return "", classifyAgentError(fmt.Errorf("llm stream start: %w", err))
	}

	var textBuf strings.Builder
	for ev := range events {
		handleStreamEvent(ev, &textBuf)
	}

	if streamErr := <-errCh; streamErr != nil {
		return "", classifyAgentError(fmt.Errorf("llm stream: %w", streamErr))
	}
	return textBuf.String(), nil
}

func handleStreamEvent(ev agents.StreamEvent, textBuf *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	textBuf.WriteString(raw.Data.Delta)
}

func classifyAgentError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "content_filter" {
			metrics.Errors.WithLabelValues("llm", "content_filter").Inc()
			return apierror.Wrap(apierror.KindLLM, string(StageLLM), apierror.ReasonContentFilter, "response blocked by content filter", err)
		}
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		return apierror.Wrap(apierror.KindLLM, string(StageLLM), apierror.ReasonStatus,
			fmt.Sprintf("openai status %d", apiErr.StatusCode), err)
	}
	if strings.Contains(err.Error(), "content_filter") {
		return apierror.Wrap(apierror.KindLLM, string(StageLLM), apierror.ReasonContentFilter, "response blocked by content filter", err)
	}
	return err
}

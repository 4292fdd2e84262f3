package pipeline

import (
	"bufio"
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
	"github.com/hubenschmidt/voice-agent/internal/metrics"
	"github.com/hubenschmidt/voice-agent/internal/prompts"
	"github.com/hubenschmidt/voice-agent/internal/session"
)

// DefaultHistoryLimit is how many prior turns are rendered into the prompt.
const DefaultHistoryLimit = 10

// Completion is one single-turn request to a language model.
type Completion struct {
	System string
	Prompt string
}

// LLMBackend produces a completion for a rendered prompt.
type LLMBackend interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// LLMRouter dispatches to the correct LLM backend based on engine name.
type LLMRouter struct {
	*Router[LLMBackend]
}

// NewLLMRouter creates a router with registered LLM backends and a fallback default.
func NewLLMRouter(backends map[string]LLMBackend, fallback string) *LLMRouter {
	return &LLMRouter{Router: NewRouter(backends, fallback)}
}

// Generator turns a transcript plus session history into a persona reply.
type Generator struct {
	router       *LLMRouter
	engine       string
	historyLimit int
}

// NewGenerator creates a generator. A negative historyLimit selects the
// default; zero disables history.
func NewGenerator(router *LLMRouter, engine string, historyLimit int) *Generator {
	if historyLimit < 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Generator{router: router, engine: engine, historyLimit: historyLimit}
}

// HistoryLimit reports how many turns Reply renders.
func (g *Generator) HistoryLimit() int {
	if g == nil {
		return 0
	}
	return g.historyLimit
}

// Configured reports whether a backend exists for the selected engine.
func (g *Generator) Configured() bool {
	if g == nil || g.router == nil {
		return false
	}
	_, err := g.router.Route(g.engine)
	return err == nil
}

// Reply generates the agent's answer to text. Only the most recent
// HistoryLimit turns of history are used.
func (g *Generator) Reply(ctx context.Context, persona prompts.Persona, text string, history []session.Turn) (string, error) {
	if g == nil || g.router == nil {
		return "", apierror.New(apierror.KindConfig, string(StageLLM), apierror.ReasonMissingKey, "no llm backend configured")
	}
	backend, err := g.router.Route(g.engine)
	if err != nil {
		return "", apierror.Wrap(apierror.KindConfig, string(StageLLM), apierror.ReasonMissingKey, "no llm backend configured", err)
	}

	start := time.Now()
	out, err := backend.Complete(ctx, Completion{
		System: persona.System,
		Prompt: persona.Prompt(g.window(history), text),
	})
	if err != nil {
		return "", apierror.Classify(err, string(StageLLM), apierror.KindLLM)
	}
	metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())

	reply := persona.Apply(out)
	if reply == "" {
		return "", apierror.New(apierror.KindLLM, string(StageLLM), apierror.ReasonMalformed, "empty completion")
	}
	slog.Debug("llm_reply", "engine", g.engine, "persona", persona.Name, "history_turns", min(len(history), g.historyLimit))
	return reply, nil
}

func (g *Generator) window(history []session.Turn) []session.Turn {
	if g.historyLimit <= 0 {
		return nil
	}
	if len(history) > g.historyLimit {
		return history[len(history)-g.historyLimit:]
	}
	return history
}

// --- Ollama backend ---

// OllamaLLMClient streams chat completions from Ollama.
type OllamaLLMClient struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaLLMClient creates an Ollama HTTP client.
func NewOllamaLLMClient(url, model string, maxTokens int, client *http.Client) *OllamaLLMClient {
	return &OllamaLLMClient{
		url:       strings.TrimRight(url, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    client,
	}
}

// Complete sends the prompt to Ollama and collects the streamed response.
func (c *OllamaLLMClient) Complete(ctx context.Context, in Completion) (string, error) {
	resp, err := c.postChatRequest(ctx, in)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("llm", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apierror.New(apierror.KindLLM, string(StageLLM), apierror.ReasonStatus,
			fmt.Sprintf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	text, err := consumeOllamaStream(resp.Body)
	if err != nil {
		return "", apierror.Classify(fmt.Errorf("read ollama stream: %w", err), string(StageLLM), apierror.KindLLM)
	}
	return text, nil
}

// Preload asks Ollama to load the model and keep it resident.
func (c *OllamaLLMClient) Preload(ctx context.Context) error {
	return c.keepAlive(ctx, -1)
}

// Unload releases the model from memory.
func (c *OllamaLLMClient) Unload(ctx context.Context) error {
	return c.keepAlive(ctx, 0)
}

func (c *OllamaLLMClient) keepAlive(ctx context.Context, keepAlive int) error {
	body, err := json.Marshal(map[string]any{"model": c.model, "keep_alive": keepAlive, "stream": false})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama keep_alive: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama keep_alive status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaLLMClient) postChatRequest(ctx context.Context, in Completion) (*http.Response, error) {
	messages := make([]ollamaMessage, 0, 2)
	if in.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: in.Prompt})

	bodyBytes, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

// consumeOllamaStream concatenates NDJSON content chunks until done.
// Thinking tokens are discarded.
func consumeOllamaStream(r io.Reader) (string, error) {
	var text strings.Builder
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		text.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	return text.String(), scanner.Err()
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Package genai provides the AI generation collaborator using the OpenAI API.
//
// The engine treats this collaborator as opaque and possibly
// nondeterministic: every call site degrades to a deterministic fallback
// when generation fails, so conversations never depend on the API being
// reachable.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MikeRubio/botflow/internal/engine"
	"github.com/MikeRubio/botflow/internal/models"
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model used for generation.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion API for ai_response nodes.
type Client struct {
	client openai.Client
	model  string
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	slog.Debug("genai.NewClient: client configured", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// structuredReply is the JSON shape the model is instructed to return.
type structuredReply struct {
	Reply      string  `json:"reply"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// GenerateResponse produces the bot reply for an ai_response node from the
// node's prompt, the conversation variables, and recent history. The model
// is asked for a structured reply carrying intent and confidence; a reply
// that is not valid JSON is used verbatim with neutral telemetry.
func (c *Client) GenerateResponse(ctx context.Context, systemPrompt, userMessage string, vars map[string]interface{}, history []models.Message) (*engine.GeneratedResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildSystemPrompt(systemPrompt, vars)),
	}
	for _, msg := range history {
		if msg.Role == "user" {
			messages = append(messages, openai.UserMessage(msg.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	if userMessage != "" {
		messages = append(messages, openai.UserMessage(userMessage))
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateResponse: completion failed", "error", err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)

	var structured structuredReply
	if err := json.Unmarshal([]byte(content), &structured); err == nil && structured.Reply != "" {
		return &engine.GeneratedResponse{Text: structured.Reply, Intent: structured.Intent, Confidence: structured.Confidence}, nil
	}
	slog.Debug("genai.GenerateResponse: reply was not structured JSON, using verbatim", "length", len(content))
	return &engine.GeneratedResponse{Text: content, Intent: "general", Confidence: 0.5}, nil
}

// buildSystemPrompt appends the known conversation variables and the
// structured-reply instruction to the node's authored prompt. Variables
// are sorted so the prompt is stable across turns.
func buildSystemPrompt(systemPrompt string, vars map[string]interface{}) string {
	var sb strings.Builder
	if systemPrompt == "" {
		systemPrompt = "You are a friendly and helpful assistant for this business. Keep replies short and conversational."
	}
	sb.WriteString(systemPrompt)

	if len(vars) > 0 {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n\nKnown visitor details:")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n- %s: %v", k, vars[k]))
		}
	}

	sb.WriteString("\n\nRespond with a JSON object: {\"reply\": string, \"intent\": string, \"confidence\": number between 0 and 1}. The reply field is what the visitor sees.")
	return sb.String()
}

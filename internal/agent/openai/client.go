// Package openai implements agent.Runtime directly against an
// OpenAI-compatible chat-completions endpoint, with tool calling expressed
// as real JSON-schema tool definitions rather than proxied through a
// separate orchestrator service.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/northbay-labs/callpilot/internal/agent"
	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/observability"
	"github.com/northbay-labs/callpilot/internal/resilience"
)

// Client implements agent.Runtime using openai-go's chat completions API.
type Client struct {
	cfg            *config.Config
	client         openai.Client
	model          string
	systemPrompt   string
	tools          []openai.ChatCompletionToolParam
	circuitBreaker *resilience.CircuitBreaker

	mu      sync.Mutex
	threads map[string][]openai.ChatCompletionMessageParamUnion
}

// NewClient builds an OpenAI-backed Runtime for the given agent mode.
func NewClient(cfg *config.Config, mode agent.Mode) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}

	return &Client{
		cfg:          cfg,
		client:       openai.NewClient(opts...),
		model:        cfg.OpenAIModel,
		systemPrompt: systemPromptForMode(mode),
		tools:        toolsForMode(mode),
		circuitBreaker: resilience.NewCircuitBreaker(
			"agent_openai",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		threads: make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

func systemPromptForMode(mode agent.Mode) string {
	switch mode {
	case agent.ModeHealthcare:
		return "You are a scheduling assistant for a healthcare clinic speaking with a patient over the phone. " +
			"Be warm, concise, and confirm appointment details before booking. Never give medical advice."
	default:
		return "You are a sales development representative speaking with a prospect over the phone. " +
			"Be concise, confirm next steps clearly, and use the end_call tool once the conversation is wrapped up."
	}
}

func toolsForMode(mode agent.Mode) []openai.ChatCompletionToolParam {
	endCall := openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        "end_call",
			Description: openai.String("End the phone call. Call this once the conversation has reached a natural close."),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
			},
		},
	}

	bookAppointment := openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        "book_appointment",
			Description: openai.String("Book an appointment slot once the caller has confirmed a date and time."),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"slot_iso8601": map[string]any{"type": "string"},
					"notes":        map[string]any{"type": "string"},
				},
				"required": []string{"slot_iso8601"},
			},
		},
	}

	switch mode {
	case agent.ModeHealthcare:
		return []openai.ChatCompletionToolParam{endCall, bookAppointment}
	default:
		return []openai.ChatCompletionToolParam{endCall}
	}
}

// Run implements agent.Runtime.
func (c *Client) Run(ctx context.Context, threadID, text string, callContext map[string]any) (<-chan agent.Response, error) {
	c.mu.Lock()
	history, ok := c.threads[threadID]
	if !ok {
		history = []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.contextualizedSystemPrompt(callContext)),
		}
	}
	history = append(history, openai.UserMessage(text))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.AgentTimeoutS)*time.Second)

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: history,
		Tools:    c.tools,
	}

	var stream *openai.Stream[openai.ChatCompletionChunk]
	err := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}
		return resilience.Retry(func() error {
			stream = c.client.Chat.Completions.NewStreaming(ctx, params)
			return stream.Err()
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("agent_openai", int(c.circuitBreaker.GetState()))
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures("agent_openai")
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}

	out := make(chan agent.Response, 100)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					select {
					case out <- agent.Response{TextChunk: choice.Delta.Content}:
					default:
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case out <- agent.Response{IsDone: true, Err: err}:
			default:
			}
			return
		}

		finalMsg := acc.Choices[0].Message
		for _, tc := range finalMsg.ToolCalls {
			select {
			case out <- agent.Response{ToolCall: &agent.ToolCall{
				Name:     tc.Function.Name,
				ArgsJSON: tc.Function.Arguments,
				CallID:   tc.ID,
			}}:
			default:
			}
		}

		c.mu.Lock()
		history = append(history, finalMsg.ToParam())
		c.threads[threadID] = history
		c.mu.Unlock()

		out <- agent.Response{IsDone: true}
	}()

	return out, nil
}

func (c *Client) contextualizedSystemPrompt(callContext map[string]any) string {
	if len(callContext) == 0 {
		return c.systemPrompt
	}
	b, err := json.Marshal(callContext)
	if err != nil {
		return c.systemPrompt
	}
	return c.systemPrompt + "\n\nCall context: " + string(b)
}

// SubmitToolResult appends a tool result message to the thread so the next
// Run call can continue reasoning with it.
func (c *Client) SubmitToolResult(threadID string, result agent.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.threads[threadID]
	history = append(history, openai.ToolMessage(result.ResultJSON, result.CallID))
	c.threads[threadID] = history
}

// Close releases resources. The OpenAI HTTP client needs no explicit close.
func (c *Client) Close() error {
	return nil
}

var _ agent.Runtime = (*Client)(nil)

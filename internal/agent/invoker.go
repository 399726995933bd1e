package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// cannedApology is returned to the caller when the agent runtime fails or
// times out, so the call never goes silent.
const cannedApology = "I'm sorry, I'm having trouble processing that right now. Could you say that again?"

var goodbyePhrases = []string{
	"goodbye", "have a great day", "have a good day", "take care",
	"talk to you soon", "bye for now", "see you then",
}

// Outcome summarizes the result of invoking the agent for one committed
// caller turn.
type Outcome struct {
	Text         string
	ToolCalls    []ToolCall
	ShouldHangup bool
	TimedOut     bool
}

// Invoker is the Agent Invoker: it owns the timeout, the apology fallback,
// and the end-of-call decision (tool call wins; a goodbye-phrase scan is
// only a fallback when the runtime's response carries no end_call tool
// call).
type Invoker struct {
	runtime Runtime
	timeout time.Duration
	logger  zerolog.Logger
}

// NewInvoker creates an Invoker wrapping the given Runtime.
func NewInvoker(runtime Runtime, timeout time.Duration, logger zerolog.Logger) *Invoker {
	return &Invoker{
		runtime: runtime,
		timeout: timeout,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// Invoke runs one committed caller turn through the agent runtime and
// collects its streamed response into a single Outcome.
func (inv *Invoker) Invoke(ctx context.Context, threadID, text string, callContext map[string]any) Outcome {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	responses, err := inv.runtime.Run(ctx, threadID, text, callContext)
	if err != nil {
		inv.logger.Error().Err(err).Str("thread_id", threadID).Msg("agent runtime invocation failed")
		return Outcome{Text: cannedApology}
	}

	var sb strings.Builder
	var toolCalls []ToolCall

	for {
		select {
		case <-ctx.Done():
			inv.logger.Warn().Str("thread_id", threadID).Msg("agent runtime timed out")
			return Outcome{Text: cannedApology, TimedOut: true}

		case resp, ok := <-responses:
			if !ok {
				return inv.finish(sb.String(), toolCalls)
			}
			if resp.Err != nil && !errors.Is(resp.Err, context.Canceled) {
				inv.logger.Error().Err(resp.Err).Str("thread_id", threadID).Msg("agent runtime stream error")
			}
			if resp.TextChunk != "" {
				sb.WriteString(resp.TextChunk)
			}
			if resp.ToolCall != nil {
				toolCalls = append(toolCalls, *resp.ToolCall)
			}
			if resp.IsDone {
				return inv.finish(sb.String(), toolCalls)
			}
		}
	}
}

func (inv *Invoker) finish(text string, toolCalls []ToolCall) Outcome {
	shouldHangup := false
	for _, tc := range toolCalls {
		if tc.Name == "end_call" {
			shouldHangup = true
			break
		}
	}

	if !shouldHangup {
		shouldHangup = containsGoodbyePhrase(text)
	}

	if text == "" {
		text = cannedApology
	}

	return Outcome{Text: text, ToolCalls: toolCalls, ShouldHangup: shouldHangup}
}

func containsGoodbyePhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range goodbyePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// HangupDelay is how long the telephony leg should wait after playing the
// agent's final TTS chunk before it actually hangs up, so the caller hears
// the whole goodbye instead of having it cut off mid-word.
func HangupDelay() time.Duration {
	return 500 * time.Millisecond
}

// Package agent defines the Agent Invoker's runtime contract: the
// interface the turn controller calls into once a caller turn commits, and
// the two concrete backends (gRPC Cognitive Orchestrator, OpenAI-compatible
// chat completions) that implement it.
package agent

import "context"

// ToolCall is a function call the agent runtime wants the caller to
// execute (e.g. end_call, book_appointment, transfer_to_human).
type ToolCall struct {
	Name    string
	ArgsJSON string
	CallID  string
}

// ToolResult is the outcome of executing a ToolCall, reported back to the
// runtime so it can continue reasoning with the result.
type ToolResult struct {
	CallID       string
	ResultJSON   string
	Success      bool
	ErrorMessage string
}

// Response is one streamed unit of an agent run: either a chunk of
// assistant text, a tool call to execute, or a terminal signal.
type Response struct {
	TextChunk string
	ToolCall  *ToolCall
	IsDone    bool
	Err       error
}

// Runtime is the Agent Invoker's dependency on an external reasoning
// engine. A single call to Run corresponds to one committed caller turn.
type Runtime interface {
	// Run sends the caller's committed turn text to the agent runtime and
	// streams back its response. callContext carries the Context Store's
	// current snapshot (caller/business identity, appointment state, mode)
	// so the runtime can ground its reasoning without a separate fetch.
	Run(ctx context.Context, threadID, text string, callContext map[string]any) (<-chan Response, error)

	// Close releases any held connections.
	Close() error
}

// Mode selects which system prompt / tool schema set an Invoker uses.
type Mode string

const (
	ModeSales      Mode = "sales"
	ModeHealthcare Mode = "healthcare"
)

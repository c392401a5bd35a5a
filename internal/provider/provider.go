// Package provider defines the response-generation collaborator boundary:
// the outbound dispatch interface and the inbound streamed event taxonomy.
package provider

import (
	"context"
	"encoding/json"

	"github.com/orionchat/orion-core/pkg/types"
)

// EventType identifies an inbound provider event.
type EventType string

const (
	MessageStart         EventType = "message-start"
	ContentDelta         EventType = "content-delta"
	ReasoningDelta       EventType = "reasoning-delta"
	ToolInvocationStart  EventType = "tool-invocation-start"
	ToolInvocationResult EventType = "tool-invocation-result"
	ResultEventType      EventType = "result"
)

// StopReason is the status carried by a result event.
type StopReason string

const (
	StopSuccess               StopReason = "success"
	StopErrorExecution        StopReason = "error_during_execution"
	StopErrorMaxTurns         StopReason = "error_max_turns"
	StopErrorMaxBudget        StopReason = "error_max_budget_usd"
	StopErrorStructuredOutput StopReason = "error_max_structured_output_retries"
)

// ErrorKind maps an error stop reason to the session error taxonomy.
// ok is false for StopSuccess.
func (r StopReason) ErrorKind() (kind types.ErrorKind, ok bool) {
	switch r {
	case StopErrorExecution:
		return types.ErrorExecution, true
	case StopErrorMaxTurns:
		return types.ErrorMaxTurns, true
	case StopErrorMaxBudget:
		return types.ErrorMaxBudget, true
	case StopErrorStructuredOutput:
		return types.ErrorStructuredOutput, true
	}
	return "", false
}

// Usage carries token/cost figures attached to an event.
type Usage struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	ReasoningTokens int     `json:"reasoningTokens"`
	CostUSD         float64 `json:"costUSD"`
}

// ToolEvent is the payload of tool-invocation-start/result events.
type ToolEvent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	DurationMS int64           `json:"durationMS,omitempty"`
}

// Result is the payload of the final result event.
type Result struct {
	Status     StopReason `json:"status"`
	DurationMS int64      `json:"durationMS,omitempty"`
}

// Event is one inbound streamed event, tagged with the request identifier
// that correlates it with its outbound dispatch.
type Event struct {
	Type      EventType  `json:"type"`
	RequestID string     `json:"requestID"`
	MessageID string     `json:"messageID,omitempty"`
	Text      string     `json:"text,omitempty"`
	Tool      *ToolEvent `json:"tool,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Request is one outbound dispatch for a single request cycle.
type Request struct {
	SessionID string
	RequestID string
	Prompt    string
	History   []*types.Message
}

// Stream yields the events of one request cycle in arrival order.
type Stream interface {
	// Recv returns the next event, io.EOF when the stream is exhausted, or
	// ctx.Err() when ctx is done before the next event arrives.
	Recv(ctx context.Context) (*Event, error)
	// Close releases the stream. Safe to call more than once.
	Close() error
}

// Dispatcher is the response-generation collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (Stream, error)
}

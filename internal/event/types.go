package event

import "github.com/orionchat/orion-core/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.SessionMeta `json:"info"`
}

// SessionDestroyedData is the data for session.destroyed events.
type SessionDestroyedData struct {
	SessionID string `json:"sessionID"`
	Forced    bool   `json:"forced,omitempty"`
}

// SessionSwitchedData is the data for session.switched events.
type SessionSwitchedData struct {
	FromID string `json:"fromID,omitempty"`
	ToID   string `json:"toID"`
}

// MessageUpdatedData is the data for message.updated events.
type MessageUpdatedData struct {
	SessionID string         `json:"sessionID"`
	Info      *types.Message `json:"info"`
}

// StreamDeltaData is the data for stream.delta and stream.reasoning events.
type StreamDeltaData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	Delta     string `json:"delta"`
}

// StreamCompleteData is the data for stream.complete events.
type StreamCompleteData struct {
	SessionID string              `json:"sessionID"`
	RequestID string              `json:"requestID"`
	Summary   *types.CycleSummary `json:"summary,omitempty"`
}

// StreamErrorData is the data for stream.error events.
type StreamErrorData struct {
	SessionID string              `json:"sessionID"`
	RequestID string              `json:"requestID,omitempty"`
	Error     *types.SessionError `json:"error"`
}

// ToolUpdatedData is the data for tool.updated events.
type ToolUpdatedData struct {
	SessionID string                `json:"sessionID"`
	RequestID string                `json:"requestID"`
	Tool      *types.ToolInvocation `json:"tool"`
}

// BudgetWarningData is the data for budget.warning events.
type BudgetWarningData struct {
	SessionID string  `json:"sessionID"`
	RequestID string  `json:"requestID"`
	SpentUSD  float64 `json:"spentUSD"`
	LimitUSD  float64 `json:"limitUSD"`
}

// RoutingMissData is the data for routing.miss events.
type RoutingMissData struct {
	RequestID string `json:"requestID"`
	EventType string `json:"eventType"`
}

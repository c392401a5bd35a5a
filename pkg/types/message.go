package types

import "encoding/json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents either a user or assistant message in a conversation.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // RoleUser or RoleAssistant
	Text      string      `json:"text"`
	Time      MessageTime `json:"time"`

	// Streaming is true only while the owning cycle is in the streaming state.
	Streaming bool `json:"streaming"`
}

// MessageTime contains timestamps for a message, in Unix milliseconds.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// ToolStatus is the lifecycle status of a tool invocation.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// ToolInvocation tracks one tool call within a request cycle.
// Invocations never span cycles; a new user message clears the prior list.
type ToolInvocation struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     *string         `json:"result,omitempty"`
	DurationMS *int64          `json:"durationMS,omitempty"`
	Status     ToolStatus      `json:"status"`
}

// Clone returns a deep copy of the invocation.
func (t *ToolInvocation) Clone() *ToolInvocation {
	c := *t
	if t.Input != nil {
		c.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.DurationMS != nil {
		d := *t.DurationMS
		c.DurationMS = &d
	}
	return &c
}

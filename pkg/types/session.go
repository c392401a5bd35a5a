// Package types provides the core data types shared across the orion server.
package types

// SessionKind classifies a conversation session.
type SessionKind string

const (
	KindDaily   SessionKind = "daily"
	KindProject SessionKind = "project"
	KindInbox   SessionKind = "inbox"
	KindAdhoc   SessionKind = "adhoc"
)

// Valid reports whether k is one of the known session kinds.
func (k SessionKind) Valid() bool {
	switch k {
	case KindDaily, KindProject, KindInbox, KindAdhoc:
		return true
	}
	return false
}

// SessionMeta is the session metadata surfaced to UI listings.
type SessionMeta struct {
	ID           string      `json:"id"`
	DisplayName  string      `json:"displayName"`
	Kind         SessionKind `json:"kind"`
	ProjectID    string      `json:"projectID,omitempty"`
	LastActive   int64       `json:"lastActive"`
	MessageCount int         `json:"messageCount"`
	Busy         bool        `json:"busy"`
}

// StreamState is the streaming state machine's current state.
type StreamState string

const (
	StateIdle      StreamState = "idle"
	StateSending   StreamState = "sending"
	StateStreaming StreamState = "streaming"
	StateComplete  StreamState = "complete"
	StateError     StreamState = "error"
)

// TokenUsage contains token counts for one request cycle.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// CycleSummary records the final accounting of a completed request cycle.
type CycleSummary struct {
	StopReason string     `json:"stopReason"`
	Cost       float64    `json:"cost"`
	Tokens     TokenUsage `json:"tokens"`
	DurationMS int64      `json:"durationMS"`
}

// Snapshot is a point-in-time read of a session's streaming state.
// It is a copy; mutating it has no effect on the live session.
type Snapshot struct {
	SessionID     string            `json:"sessionID"`
	State         StreamState       `json:"state"`
	Messages      []*Message        `json:"messages"`
	Buffer        string            `json:"buffer"`
	Reasoning     string            `json:"reasoning"`
	Tools         []*ToolInvocation `json:"tools"`
	Summary       *CycleSummary     `json:"summary,omitempty"`
	BudgetWarning bool              `json:"budgetWarning"`
	Cancelled     bool              `json:"cancelled"`
	Error         *SessionError     `json:"error,omitempty"`
}

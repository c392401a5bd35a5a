package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orionchat/orion-core/internal/ident"
	"github.com/orionchat/orion-core/pkg/types"
)

// InvalidTransitionError is returned when an event is applied to a Machine
// in a state that does not accept it.
type InvalidTransitionError struct {
	State  types.StreamState
	Event  string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s while %s: %s", e.Event, e.State, e.Reason)
	}
	return fmt.Sprintf("cannot %s while %s", e.Event, e.State)
}

// Machine tracks the streaming lifecycle of a single conversation. All
// mutation goes through event methods guarded by one mutex, so events
// applied by a single pump goroutine land in arrival order.
type Machine struct {
	mu sync.Mutex

	sessionID string
	state     types.StreamState
	requestID string

	messages  []*types.Message
	assistant *types.Message

	buffer    strings.Builder
	reasoning strings.Builder
	tools     []*types.ToolInvocation
	toolIndex map[string]*types.ToolInvocation

	summary       *types.CycleSummary
	budgetWarning bool
	cancelled     bool
	lastErr       *types.SessionError

	cycleStart time.Time
}

func NewMachine(sessionID string) *Machine {
	return &Machine{
		sessionID: sessionID,
		state:     types.StateIdle,
		toolIndex: make(map[string]*types.ToolInvocation),
	}
}

func (m *Machine) State() types.StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) RequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestID
}

func (m *Machine) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Send opens a new request cycle. It is accepted from idle and from the
// two resting states, complete and error. The previous cycle's warning
// flag, cancellation marker and error are cleared; the last summary is
// kept until a new cycle finishes.
func (m *Machine) Send(prompt string) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case types.StateIdle, types.StateComplete, types.StateError:
	default:
		return nil, &InvalidTransitionError{State: m.state, Event: "send"}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, &InvalidTransitionError{State: m.state, Event: "send", Reason: "empty prompt"}
	}

	msg := &types.Message{
		ID:        ident.NewMessageID(),
		SessionID: m.sessionID,
		Role:      types.RoleUser,
		Text:      prompt,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	m.messages = append(m.messages, msg)

	m.state = types.StateSending
	m.assistant = nil
	m.buffer.Reset()
	m.reasoning.Reset()
	m.tools = nil
	m.toolIndex = make(map[string]*types.ToolInvocation)
	m.budgetWarning = false
	m.cancelled = false
	m.lastErr = nil
	m.cycleStart = time.Now()

	return cloneMessage(msg), nil
}

// StreamStart records the provider's message-start event and opens the
// assistant message the deltas will accumulate into.
func (m *Machine) StreamStart(requestID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateSending {
		return &InvalidTransitionError{State: m.state, Event: "stream-start"}
	}
	// Provider-supplied message ids are untrusted; mint a local one when
	// missing or malformed.
	if ident.ValidateMessageID(messageID) != nil {
		messageID = ident.NewMessageID()
	}
	m.assistant = &types.Message{
		ID:        messageID,
		SessionID: m.sessionID,
		Role:      types.RoleAssistant,
		Streaming: true,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	m.messages = append(m.messages, m.assistant)
	m.requestID = requestID
	m.state = types.StateStreaming
	return nil
}

func (m *Machine) AppendChunk(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "delta"}
	}
	m.buffer.WriteString(text)
	m.assistant.Text += text
	now := time.Now().UnixMilli()
	m.assistant.Time.Updated = &now
	return nil
}

// AppendReasoning accumulates reasoning text separately from the
// visible assistant content.
func (m *Machine) AppendReasoning(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "reasoning-delta"}
	}
	m.reasoning.WriteString(text)
	return nil
}

// ToolStart inserts or updates an invocation. An announcement with no
// input yet is pending; once the input payload arrives the invocation
// is running.
func (m *Machine) ToolStart(id, name string, input json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "tool-start"}
	}
	status := types.ToolRunning
	if len(input) == 0 {
		status = types.ToolPending
	}
	if inv, ok := m.toolIndex[id]; ok {
		inv.Name = name
		if len(input) > 0 {
			inv.Input = input
			inv.Status = types.ToolRunning
		}
		return nil
	}
	inv := &types.ToolInvocation{
		ID:     id,
		Name:   name,
		Input:  input,
		Status: status,
	}
	m.tools = append(m.tools, inv)
	m.toolIndex[id] = inv
	return nil
}

// ToolComplete records a tool result. A result for an unknown
// invocation id is ignored.
func (m *Machine) ToolComplete(id, output string, isError bool, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "tool-result"}
	}
	inv, ok := m.toolIndex[id]
	if !ok {
		return nil
	}
	inv.Result = &output
	inv.DurationMS = &durationMS
	if isError {
		inv.Status = types.ToolError
	} else {
		inv.Status = types.ToolComplete
	}
	return nil
}

// SetBudgetWarning flags the cycle as having crossed the soft spend
// threshold. The stream keeps going.
func (m *Machine) SetBudgetWarning() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "budget-warning"}
	}
	m.budgetWarning = true
	return nil
}

// Complete closes the cycle successfully. The assistant message stops
// streaming and the summary becomes the session's last cycle summary.
func (m *Machine) Complete(summary *types.CycleSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStreaming {
		return &InvalidTransitionError{State: m.state, Event: "complete"}
	}
	now := time.Now().UnixMilli()
	m.assistant.Streaming = false
	m.assistant.Time.Updated = &now
	if summary != nil && summary.DurationMS == 0 {
		summary.DurationMS = time.Since(m.cycleStart).Milliseconds()
	}
	m.summary = summary
	m.requestID = ""
	m.state = types.StateComplete
	return nil
}

// Fail moves the cycle to the error resting state. Partial content
// already streamed stays on the assistant message.
func (m *Machine) Fail(serr *types.SessionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case types.StateSending, types.StateStreaming:
	default:
		return &InvalidTransitionError{State: m.state, Event: "fail"}
	}
	if m.assistant != nil {
		now := time.Now().UnixMilli()
		m.assistant.Streaming = false
		m.assistant.Time.Updated = &now
	}
	if serr != nil && serr.Kind == types.ErrorAborted {
		m.cancelled = true
	}
	m.lastErr = serr
	m.requestID = ""
	m.state = types.StateError
	return nil
}

// SettleCancel resolves a cancelled cycle. Before any content arrived
// the session returns to idle and the empty assistant message, if one
// was opened, is dropped. After partial content arrived the cycle
// settles as an aborted error so the partial output stays visible.
func (m *Machine) SettleCancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case types.StateSending:
		m.cancelled = true
		m.requestID = ""
		m.state = types.StateIdle
	case types.StateStreaming:
		if m.buffer.Len() == 0 && m.reasoning.Len() == 0 && len(m.tools) == 0 {
			if n := len(m.messages); n > 0 && m.messages[n-1] == m.assistant {
				m.messages = m.messages[:n-1]
			}
			m.assistant = nil
			m.cancelled = true
			m.requestID = ""
			m.state = types.StateIdle
			return
		}
		now := time.Now().UnixMilli()
		m.assistant.Streaming = false
		m.assistant.Time.Updated = &now
		m.cancelled = true
		m.lastErr = types.NewSessionError(types.ErrorAborted, "request cancelled")
		m.requestID = ""
		m.state = types.StateError
	}
}

// Retry re-arms the cycle after an error. The original user message is
// kept; the caller re-dispatches the same intent.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateError {
		return &InvalidTransitionError{State: m.state, Event: "retry"}
	}
	m.lastErr = nil
	m.cancelled = false
	m.budgetWarning = false
	m.assistant = nil
	m.buffer.Reset()
	m.reasoning.Reset()
	m.tools = nil
	m.toolIndex = make(map[string]*types.ToolInvocation)
	m.state = types.StateSending
	m.cycleStart = time.Now()
	return nil
}

// Reset wipes the machine back to a fresh idle session.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = types.StateIdle
	m.requestID = ""
	m.messages = nil
	m.assistant = nil
	m.buffer.Reset()
	m.reasoning.Reset()
	m.tools = nil
	m.toolIndex = make(map[string]*types.ToolInvocation)
	m.summary = nil
	m.budgetWarning = false
	m.cancelled = false
	m.lastErr = nil
}

// Snapshot returns a deep copy of the visible session state.
func (m *Machine) Snapshot() types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := types.Snapshot{
		SessionID:     m.sessionID,
		State:         m.state,
		Buffer:        m.buffer.String(),
		Reasoning:     m.reasoning.String(),
		BudgetWarning: m.budgetWarning,
		Cancelled:     m.cancelled,
	}
	snap.Messages = make([]*types.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		snap.Messages = append(snap.Messages, cloneMessage(msg))
	}
	snap.Tools = make([]*types.ToolInvocation, 0, len(m.tools))
	for _, inv := range m.tools {
		snap.Tools = append(snap.Tools, inv.Clone())
	}
	if m.summary != nil {
		s := *m.summary
		snap.Summary = &s
	}
	if m.lastErr != nil {
		e := *m.lastErr
		snap.Error = &e
	}
	return snap
}

func cloneMessage(msg *types.Message) *types.Message {
	out := *msg
	if msg.Time.Updated != nil {
		v := *msg.Time.Updated
		out.Time.Updated = &v
	}
	return &out
}

package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/orionchat/orion-core/internal/ident"
	"github.com/orionchat/orion-core/pkg/types"
)

// Script describes the behavior of one scripted dispatch.
type Script struct {
	// DispatchErr, when set, fails the dispatch call itself.
	DispatchErr error
	// Hang blocks every Recv until the context is cancelled.
	Hang bool
	// Delay is applied before each event is delivered.
	Delay time.Duration
	// Events are replayed in order. RequestID and missing MessageIDs are
	// filled in at dispatch time.
	Events []Event
}

// Scripted is an in-memory Dispatcher that replays configured scripts.
// Used by tests and the demo serve mode in place of a real provider.
type Scripted struct {
	mu         sync.Mutex
	queue      []*Script
	fallback   func(req *Request) *Script
	dispatches int
}

// NewScripted creates a scripted dispatcher that echoes the prompt by default.
func NewScripted() *Scripted {
	return &Scripted{fallback: EchoScript}
}

// Enqueue adds a script consumed by the next Dispatch call.
// Queued scripts take precedence over the fallback.
func (s *Scripted) Enqueue(script *Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, script)
}

// SetFallback replaces the script used when the queue is empty.
func (s *Scripted) SetFallback(fn func(req *Request) *Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// Dispatches returns how many Dispatch calls have been made.
func (s *Scripted) Dispatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

// Dispatch implements Dispatcher.
func (s *Scripted) Dispatch(ctx context.Context, req *Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dispatches++
	var script *Script
	if len(s.queue) > 0 {
		script = s.queue[0]
		s.queue = s.queue[1:]
	} else if s.fallback != nil {
		script = s.fallback(req)
	}
	s.mu.Unlock()

	if script == nil {
		return nil, fmt.Errorf("no script available for request %s", req.RequestID)
	}
	if script.DispatchErr != nil {
		return nil, script.DispatchErr
	}

	messageID := ident.NewMessageID()
	events := make([]*Event, 0, len(script.Events))
	for i := range script.Events {
		ev := script.Events[i]
		ev.RequestID = req.RequestID
		if ev.MessageID == "" {
			ev.MessageID = messageID
		}
		events = append(events, &ev)
	}

	return &scriptStream{
		events: events,
		delay:  script.Delay,
		hang:   script.Hang,
	}, nil
}

// scriptStream replays a script's events.
type scriptStream struct {
	mu     sync.Mutex
	events []*Event
	pos    int
	delay  time.Duration
	hang   bool
	closed bool
}

func (s *scriptStream) Recv(ctx context.Context) (*Event, error) {
	if s.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *scriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EchoScript builds the default script: a short assistant reply echoing the
// prompt, with usage figures on the result.
func EchoScript(req *Request) *Script {
	reply := "You said: " + req.Prompt
	events := []Event{
		{Type: MessageStart},
	}
	// Split the reply into a few deltas so consumers see real streaming.
	for _, chunk := range splitChunks(reply, 8) {
		events = append(events, Event{Type: ContentDelta, Text: chunk})
	}
	events = append(events, Event{
		Type:   ResultEventType,
		Result: &Result{Status: StopSuccess, DurationMS: 5},
		Usage: &Usage{
			InputTokens:  len(strings.Fields(req.Prompt)),
			OutputTokens: len(strings.Fields(reply)),
			CostUSD:      0.0001,
		},
	})
	return &Script{Events: events}
}

// TransientErr builds a retryable dispatch failure.
func TransientErr(msg string) error {
	return types.NewSessionError(types.ErrorTransient, msg)
}

// splitChunks cuts s into pieces of at most n bytes.
func splitChunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

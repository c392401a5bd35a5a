package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/orionchat/orion-core/internal/budget"
	"github.com/orionchat/orion-core/internal/event"
	"github.com/orionchat/orion-core/internal/logging"
	"github.com/orionchat/orion-core/internal/provider"
	"github.com/orionchat/orion-core/pkg/types"
)

// Router demultiplexes inbound provider events to the machine that owns
// the request identifier. Events whose request id has no live binding
// are dropped with a diagnostic; a stale event must never mutate a
// session that was destroyed or recycled after dispatch.
type Router struct {
	mu       sync.RWMutex
	bindings map[string]*binding

	bus *event.Bus
	log zerolog.Logger
}

type binding struct {
	sessionID string
	machine   *Machine
	tracker   *budget.Tracker
	limitUSD  float64
	tokens    types.TokenUsage
}

func NewRouter(bus *event.Bus) *Router {
	return &Router{
		bindings: make(map[string]*binding),
		bus:      bus,
		log:      logging.WithComponent("router"),
	}
}

// Bind registers requestID as owned by m for the duration of one cycle.
// tracker may be nil when budget monitoring is disabled.
func (r *Router) Bind(requestID, sessionID string, m *Machine, tracker *budget.Tracker, limitUSD float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[requestID] = &binding{
		sessionID: sessionID,
		machine:   m,
		tracker:   tracker,
		limitUSD:  limitUSD,
	}
}

// Release drops the binding for requestID. Subsequent events with that
// id become routing misses.
func (r *Router) Release(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, requestID)
}

// Route applies one provider event to its owning machine and republishes
// it on the bus for UI consumers.
func (r *Router) Route(ev *provider.Event) {
	r.mu.RLock()
	b := r.bindings[ev.RequestID]
	r.mu.RUnlock()

	if b == nil {
		r.log.Debug().
			Str("requestID", ev.RequestID).
			Str("eventType", string(ev.Type)).
			Msg("dropping event for unbound request")
		r.bus.Publish(event.Event{Type: event.RoutingMiss, Data: &event.RoutingMissData{
			RequestID: ev.RequestID,
			EventType: string(ev.Type),
		}})
		return
	}

	r.observeUsage(ev, b)

	switch ev.Type {
	case provider.MessageStart:
		if err := b.machine.StreamStart(ev.RequestID, ev.MessageID); err != nil {
			r.logApplyError(b, ev, err)
		}

	case provider.ContentDelta:
		if err := b.machine.AppendChunk(ev.Text); err != nil {
			r.logApplyError(b, ev, err)
			return
		}
		r.bus.PublishSync(event.Event{Type: event.StreamDelta, Data: &event.StreamDeltaData{
			SessionID: b.sessionID,
			RequestID: ev.RequestID,
			Delta:     ev.Text,
		}})

	case provider.ReasoningDelta:
		if err := b.machine.AppendReasoning(ev.Text); err != nil {
			r.logApplyError(b, ev, err)
			return
		}
		r.bus.PublishSync(event.Event{Type: event.StreamReasoning, Data: &event.StreamDeltaData{
			SessionID: b.sessionID,
			RequestID: ev.RequestID,
			Delta:     ev.Text,
		}})

	case provider.ToolInvocationStart:
		if ev.Tool == nil {
			return
		}
		if err := b.machine.ToolStart(ev.Tool.ID, ev.Tool.Name, ev.Tool.Input); err != nil {
			r.logApplyError(b, ev, err)
			return
		}
		r.publishTool(b, ev)

	case provider.ToolInvocationResult:
		if ev.Tool == nil {
			return
		}
		if err := b.machine.ToolComplete(ev.Tool.ID, ev.Tool.Output, ev.Tool.IsError, ev.Tool.DurationMS); err != nil {
			r.logApplyError(b, ev, err)
			return
		}
		r.publishTool(b, ev)

	case provider.ResultEventType:
		r.applyResult(b, ev)

	default:
		r.log.Warn().
			Str("requestID", ev.RequestID).
			Str("eventType", string(ev.Type)).
			Msg("unknown provider event type")
	}
}

func (r *Router) observeUsage(ev *provider.Event, b *binding) {
	if ev.Usage == nil {
		return
	}
	b.tokens.Input += ev.Usage.InputTokens
	b.tokens.Output += ev.Usage.OutputTokens
	b.tokens.Reasoning += ev.Usage.ReasoningTokens
	if b.tracker == nil {
		return
	}
	if ev.Type == provider.ResultEventType && ev.Result != nil && ev.Result.Status != provider.StopSuccess {
		// A failed cycle's final usage still counts toward spend, but a
		// hard budget error must not masquerade as the soft warning.
		b.tracker.Observe(ev.Usage.CostUSD)
		return
	}
	if b.tracker.Observe(ev.Usage.CostUSD) {
		if err := b.machine.SetBudgetWarning(); err != nil {
			r.log.Debug().Err(err).Str("requestID", ev.RequestID).Msg("budget warning not applied")
		}
		r.log.Warn().
			Str("sessionID", b.sessionID).
			Float64("spentUSD", b.tracker.SpentUSD()).
			Float64("limitUSD", b.limitUSD).
			Msg("soft budget threshold crossed")
		r.bus.Publish(event.Event{Type: event.BudgetWarning, Data: &event.BudgetWarningData{
			SessionID: b.sessionID,
			RequestID: ev.RequestID,
			SpentUSD:  b.tracker.SpentUSD(),
			LimitUSD:  b.limitUSD,
		}})
	}
}

func (r *Router) applyResult(b *binding, ev *provider.Event) {
	if ev.Result == nil {
		r.logApplyError(b, ev, &InvalidTransitionError{Event: "result", Reason: "missing payload"})
		return
	}

	if kind, isErr := ev.Result.Status.ErrorKind(); isErr {
		serr := types.NewSessionError(kind, "provider reported "+string(ev.Result.Status))
		if err := b.machine.Fail(serr); err != nil {
			r.logApplyError(b, ev, err)
			return
		}
		r.bus.PublishSync(event.Event{Type: event.StreamError, Data: &event.StreamErrorData{
			SessionID: b.sessionID,
			RequestID: ev.RequestID,
			Error:     serr,
		}})
		return
	}

	summary := &types.CycleSummary{
		StopReason: string(ev.Result.Status),
		Tokens:     b.tokens,
		DurationMS: ev.Result.DurationMS,
	}
	if b.tracker != nil {
		summary.Cost = b.tracker.SpentUSD()
	} else if ev.Usage != nil {
		summary.Cost = ev.Usage.CostUSD
	}
	if err := b.machine.Complete(summary); err != nil {
		r.logApplyError(b, ev, err)
		return
	}
	r.bus.PublishSync(event.Event{Type: event.StreamComplete, Data: &event.StreamCompleteData{
		SessionID: b.sessionID,
		RequestID: ev.RequestID,
		Summary:   summary,
	}})
}

func (r *Router) publishTool(b *binding, ev *provider.Event) {
	snap := b.machine.Snapshot()
	for _, inv := range snap.Tools {
		if inv.ID == ev.Tool.ID {
			r.bus.PublishSync(event.Event{Type: event.ToolUpdated, Data: &event.ToolUpdatedData{
				SessionID: b.sessionID,
				RequestID: ev.RequestID,
				Tool:      inv,
			}})
			return
		}
	}
}

func (r *Router) logApplyError(b *binding, ev *provider.Event, err error) {
	r.log.Warn().
		Err(err).
		Str("sessionID", b.sessionID).
		Str("requestID", ev.RequestID).
		Str("eventType", string(ev.Type)).
		Msg("event rejected by state machine")
}

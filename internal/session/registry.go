package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orionchat/orion-core/internal/budget"
	"github.com/orionchat/orion-core/internal/event"
	"github.com/orionchat/orion-core/internal/ident"
	"github.com/orionchat/orion-core/internal/logging"
	"github.com/orionchat/orion-core/internal/provider"
	"github.com/orionchat/orion-core/internal/retry"
	"github.com/orionchat/orion-core/pkg/types"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrSessionLimit   = errors.New("live session limit reached")
	ErrSessionGone    = errors.New("session not found")
	ErrRequestActive  = errors.New("session already has a request in flight")
	ErrInvalidKind    = errors.New("invalid session kind")
	ErrStreamNoResult = errors.New("stream ended without a result event")
	ErrStreamEmpty    = errors.New("stream ended before any event")
)

// Session pairs identity metadata with the streaming machine that owns
// the conversation's state.
type Session struct {
	ID          string
	Kind        types.SessionKind
	ProjectID   string
	DisplayName string

	machine *Machine
}

// Snapshot returns a deep copy of the session's streaming state.
func (s *Session) Snapshot() types.Snapshot {
	return s.machine.Snapshot()
}

// State returns the machine's current streaming state.
func (s *Session) State() types.StreamState {
	return s.machine.State()
}

// Options configures a Registry.
type Options struct {
	Namespace string
	// MaxLive caps concurrently live sessions. Zero means unlimited.
	MaxLive int
	// Eviction picks the behavior at the cap. Defaults to EvictReject.
	Eviction types.EvictionPolicy
	// RequestTimeout bounds a single dispatch attempt. Zero disables it.
	RequestTimeout time.Duration

	Dispatcher provider.Dispatcher
	Retry      retry.Config
	Budget     *budget.Monitor
	Bus        *event.Bus
}

// Registry owns every live session: uniqueness, the live cap, dispatch,
// cancellation and the ordered switch protocol.
type Registry struct {
	opts    Options
	retrier *retry.Controller
	router  *Router
	bus     *event.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	slots   map[string]*switchSlot
}

// switchSlot is a destination lock held for the duration of a switch.
type switchSlot struct {
	mu   sync.Mutex
	refs int
}

type entry struct {
	session    *Session
	alive      bool
	lastActive time.Time
	inflight   *inflight
}

// inflight tracks one active request cycle. done is closed when the
// pump goroutine has fully settled the cycle.
type inflight struct {
	requestID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRegistry(opts Options) *Registry {
	if opts.Namespace == "" {
		opts.Namespace = "orion"
	}
	if opts.Eviction == "" {
		opts.Eviction = types.EvictReject
	}
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}
	return &Registry{
		opts:    opts,
		retrier: retry.New(opts.Retry),
		router:  NewRouter(opts.Bus),
		bus:     opts.Bus,
		log:     logging.WithComponent("registry"),
		entries: make(map[string]*entry),
		slots:   make(map[string]*switchSlot),
	}
}

// Router exposes the inbound event router, for transports that receive
// provider events out of band.
func (r *Registry) Router() *Router {
	return r.router
}

// Bus exposes the registry's event bus.
func (r *Registry) Bus() *event.Bus {
	return r.bus
}

// CreateSession registers a new live session. An empty id mints one
// from the registry namespace and the session kind. Creating an id
// that is already live fails with ErrSessionExists. At the cap, the
// lru policy evicts the least recently active idle session; reject, or
// a cap where every session is busy, fails with ErrSessionLimit.
func (r *Registry) CreateSession(id string, kind types.SessionKind, projectID string) (*Session, error) {
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	now := time.Now()
	if id == "" {
		id = ident.SessionID(r.opts.Namespace, kind, projectID, now)
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.alive {
		r.mu.Unlock()
		return nil, ErrSessionExists
	}

	var evicted string
	if r.opts.MaxLive > 0 && r.liveCountLocked() >= r.opts.MaxLive {
		if r.opts.Eviction != types.EvictLRU {
			r.mu.Unlock()
			return nil, ErrSessionLimit
		}
		victim := r.evictionCandidateLocked()
		if victim == nil {
			r.mu.Unlock()
			return nil, ErrSessionLimit
		}
		victim.alive = false
		victim.session.machine.Reset()
		evicted = victim.session.ID
		delete(r.entries, evicted)
	}

	sess := &Session{
		ID:          id,
		Kind:        kind,
		ProjectID:   projectID,
		DisplayName: ident.DisplayName(kind, projectID, now),
		machine:     NewMachine(id),
	}
	r.entries[id] = &entry{session: sess, alive: true, lastActive: now}
	r.mu.Unlock()

	if evicted != "" {
		r.log.Info().Str("sessionID", evicted).Msg("evicted idle session at live cap")
		r.bus.Publish(event.Event{Type: event.SessionDestroyed, Data: &event.SessionDestroyedData{
			SessionID: evicted,
		}})
	}
	r.log.Info().Str("sessionID", id).Str("kind", string(kind)).Msg("session created")
	r.bus.Publish(event.Event{Type: event.SessionCreated, Data: &event.SessionCreatedData{
		Info: r.metaFor(sess, now, false),
	}})
	return sess, nil
}

// GetSession returns the live session with the given id.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.alive {
		return nil, false
	}
	return e.session, true
}

// HasActiveRequest reports whether the session has an in-flight cycle.
func (r *Registry) HasActiveRequest(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.alive && e.inflight != nil
}

// ListSessions returns metadata for every live session, most recently
// active first.
func (r *Registry) ListSessions() []*types.SessionMeta {
	r.mu.Lock()
	metas := make([]*types.SessionMeta, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.alive {
			continue
		}
		metas = append(metas, r.metaFor(e.session, e.lastActive, e.inflight != nil))
	}
	r.mu.Unlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].LastActive != metas[j].LastActive {
			return metas[i].LastActive > metas[j].LastActive
		}
		return metas[i].ID < metas[j].ID
	})
	return metas
}

// Send opens a request cycle on the session and dispatches it. At most
// one cycle per session may be in flight; a second Send while one is
// active fails with ErrRequestActive. The returned request id
// correlates inbound events and the eventual settlement.
func (r *Registry) Send(ctx context.Context, id, prompt string) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.alive {
		r.mu.Unlock()
		return "", ErrSessionGone
	}
	if e.inflight != nil {
		r.mu.Unlock()
		return "", ErrRequestActive
	}

	userMsg, err := e.session.machine.Send(prompt)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}

	requestID := ident.NewRequestID()
	// The cycle must outlive the caller; an HTTP request returning does
	// not cancel the stream.
	cycleCtx, cancel := context.WithCancel(context.Background())
	infl := &inflight{requestID: requestID, cancel: cancel, done: make(chan struct{})}
	e.inflight = infl
	e.lastActive = time.Now()

	snap := e.session.Snapshot()
	req := &provider.Request{
		SessionID: id,
		RequestID: requestID,
		Prompt:    prompt,
		History:   snap.Messages,
	}
	r.mu.Unlock()

	r.bus.Publish(event.Event{Type: event.MessageUpdated, Data: &event.MessageUpdatedData{
		SessionID: id,
		Info:      userMsg,
	}})

	go r.run(cycleCtx, e, infl, req)
	return requestID, nil
}

// Retry re-dispatches the session's last prompt after a failed cycle.
// It is only accepted from the error resting state.
func (r *Registry) Retry(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.alive {
		r.mu.Unlock()
		return "", ErrSessionGone
	}
	if e.inflight != nil {
		r.mu.Unlock()
		return "", ErrRequestActive
	}

	m := e.session.machine
	snap := m.Snapshot()
	var prompt string
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == types.RoleUser {
			prompt = snap.Messages[i].Text
			break
		}
	}
	if err := m.Retry(); err != nil {
		r.mu.Unlock()
		return "", err
	}

	requestID := ident.NewRequestID()
	cycleCtx, cancel := context.WithCancel(context.Background())
	infl := &inflight{requestID: requestID, cancel: cancel, done: make(chan struct{})}
	e.inflight = infl
	e.lastActive = time.Now()

	req := &provider.Request{
		SessionID: id,
		RequestID: requestID,
		Prompt:    prompt,
		History:   snap.Messages,
	}
	r.mu.Unlock()

	go r.run(cycleCtx, e, infl, req)
	return requestID, nil
}

// run pumps one request cycle to settlement. It is the only goroutine
// applying provider events for its request id, so arrival order is
// preserved end to end.
func (r *Registry) run(ctx context.Context, e *entry, infl *inflight, req *provider.Request) {
	defer close(infl.done)
	defer infl.cancel()

	m := e.session.machine
	log := r.log.With().Str("sessionID", req.SessionID).Str("requestID", req.RequestID).Logger()

	var tracker *budget.Tracker
	var limitUSD float64
	if r.opts.Budget != nil {
		tracker = r.opts.Budget.NewCycle()
		limitUSD = r.opts.Budget.SoftLimitUSD()
	}
	r.router.Bind(req.RequestID, req.SessionID, m, tracker, limitUSD)
	defer r.router.Release(req.RequestID)

	err := r.retrier.Do(ctx, func() error {
		return r.attempt(ctx, m, req)
	})

	// Settle the machine before the inflight slot is cleared. An observer
	// that sees no active request must also see the machine at rest.
	switch {
	case err == nil:
		// The result event already settled the machine, in either the
		// complete or error resting state.
		log.Debug().Str("state", string(m.State())).Msg("cycle settled by provider result")

	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		m.SettleCancel()
		log.Info().Msg("cycle cancelled")

	default:
		serr, ok := types.AsSessionError(err)
		if !ok {
			serr = types.NewSessionError(types.ErrorTransient, err.Error())
		}
		if ferr := m.Fail(serr); ferr != nil {
			log.Warn().Err(ferr).Msg("failed cycle could not settle")
		} else {
			log.Warn().Str("kind", string(serr.Kind)).Str("cause", serr.Message).Msg("cycle failed")
			r.bus.PublishSync(event.Event{Type: event.StreamError, Data: &event.StreamErrorData{
				SessionID: req.SessionID,
				RequestID: req.RequestID,
				Error:     serr,
			}})
		}
	}

	r.mu.Lock()
	if e.inflight == infl {
		e.inflight = nil
	}
	e.lastActive = time.Now()
	r.mu.Unlock()
}

// attempt runs a single dispatch. Failures before any content streamed
// are retryable; once partial content exists the attempt error is
// marked permanent so retries cannot splice a second stream into the
// same assistant message.
func (r *Registry) attempt(ctx context.Context, m *Machine, req *provider.Request) error {
	attemptCtx := ctx
	if r.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
	}

	stream, err := r.opts.Dispatcher.Dispatch(attemptCtx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv(attemptCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if m.State() == types.StateStreaming {
				return retry.Permanent(err)
			}
			return err
		}
		r.router.Route(ev)
		if st := m.State(); st == types.StateComplete || st == types.StateError {
			return nil
		}
	}

	if m.State() == types.StateStreaming {
		return retry.Permanent(ErrStreamNoResult)
	}
	return ErrStreamEmpty
}

// Cancel aborts the session's in-flight cycle and waits for it to
// settle. With no cycle in flight it is a no-op; repeated calls are
// safe. The wait is bounded by ctx.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.alive {
		r.mu.Unlock()
		return ErrSessionGone
	}
	infl := e.inflight
	r.mu.Unlock()

	if infl == nil {
		return nil
	}
	infl.cancel()
	select {
	case <-infl.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DestroyOptions tunes DestroySession.
type DestroyOptions struct {
	// Force skips waiting for an in-flight cycle to settle. The cycle
	// is still cancelled; its late events become routing misses.
	Force bool
}

// DestroySession cancels any in-flight cycle, waits for settlement
// unless forced, then removes the session. Its id may be reused once
// DestroySession returns.
func (r *Registry) DestroySession(ctx context.Context, id string, opts DestroyOptions) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.alive {
		r.mu.Unlock()
		return ErrSessionGone
	}
	infl := e.inflight
	r.mu.Unlock()

	if infl != nil {
		if opts.Force {
			infl.cancel()
		} else {
			if err := r.Cancel(ctx, id); err != nil && !errors.Is(err, ErrSessionGone) {
				return err
			}
		}
	}

	r.mu.Lock()
	e, ok = r.entries[id]
	if !ok || !e.alive {
		r.mu.Unlock()
		return nil
	}
	e.alive = false
	e.session.machine.Reset()
	delete(r.entries, id)
	r.mu.Unlock()

	r.log.Info().Str("sessionID", id).Bool("forced", opts.Force).Msg("session destroyed")
	r.bus.Publish(event.Event{Type: event.SessionDestroyed, Data: &event.SessionDestroyedData{
		SessionID: id,
		Forced:    opts.Force,
	}})
	return nil
}

// Switch performs the ordered cancel, destroy, create protocol for
// moving from one session to another. Switches targeting the same
// destination are serialized; a second switch queues behind the first
// and resolves against its outcome. A destroy failure is logged and
// the switch proceeds so the user is never stranded without a session.
func (r *Registry) Switch(ctx context.Context, fromID, toID string, kind types.SessionKind, projectID string) (*Session, error) {
	if toID == "" {
		return nil, ErrSessionGone
	}
	slot := r.acquireSlot(toID)
	defer r.releaseSlot(toID, slot)

	if fromID != "" && fromID != toID {
		err := r.DestroySession(ctx, fromID, DestroyOptions{})
		if err != nil && !errors.Is(err, ErrSessionGone) {
			r.log.Error().Err(err).
				Str("fromID", fromID).
				Str("toID", toID).
				Msg("destroy during switch failed, proceeding to create")
		}
	}

	sess, ok := r.GetSession(toID)
	if ok {
		r.touch(toID)
	} else {
		var err error
		sess, err = r.CreateSession(toID, kind, projectID)
		if err != nil {
			return nil, err
		}
	}

	r.bus.Publish(event.Event{Type: event.SessionSwitched, Data: &event.SessionSwitchedData{
		FromID: fromID,
		ToID:   toID,
	}})
	return sess, nil
}

// Shutdown cancels every in-flight cycle and waits for settlement,
// bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.DestroySession(ctx, id, DestroyOptions{}); err != nil && !errors.Is(err, ErrSessionGone) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// acquireSlot serializes switches by destination. Slots are reference
// counted so the map does not grow with every adhoc session id ever
// switched to.
func (r *Registry) acquireSlot(id string) *switchSlot {
	r.mu.Lock()
	slot, ok := r.slots[id]
	if !ok {
		slot = &switchSlot{}
		r.slots[id] = slot
	}
	slot.refs++
	r.mu.Unlock()

	slot.mu.Lock()
	return slot
}

func (r *Registry) releaseSlot(id string, slot *switchSlot) {
	slot.mu.Unlock()
	r.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(r.slots, id)
	}
	r.mu.Unlock()
}

func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.alive {
		e.lastActive = time.Now()
	}
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.alive {
			n++
		}
	}
	return n
}

// evictionCandidateLocked picks the least recently active session with
// no in-flight cycle. Busy sessions are never evicted.
func (r *Registry) evictionCandidateLocked() *entry {
	var victim *entry
	for _, e := range r.entries {
		if !e.alive || e.inflight != nil {
			continue
		}
		if victim == nil || e.lastActive.Before(victim.lastActive) {
			victim = e
		}
	}
	return victim
}

func (r *Registry) metaFor(s *Session, lastActive time.Time, busy bool) *types.SessionMeta {
	return &types.SessionMeta{
		ID:           s.ID,
		DisplayName:  s.DisplayName,
		Kind:         s.Kind,
		ProjectID:    s.ProjectID,
		LastActive:   lastActive.UnixMilli(),
		MessageCount: s.machine.MessageCount(),
		Busy:         busy,
	}
}

// Package call owns the lifecycle of the single active call session and maps
// session events onto observable presentation state.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/dispatch"
	"github.com/vango-go/vai-call/pkg/events"
	"github.com/vango-go/vai-call/pkg/session"
	"github.com/vango-go/vai-call/pkg/tools"
)

const (
	recordTimeout = 5 * time.Second
	stateTimeout  = time.Second
)

// activeCall is the manager-owned CallSession.
type activeCall struct {
	id        string
	handle    session.Handle
	joinURL   string
	debug     bool
	startedAt time.Time
	subs      []*events.Subscription
}

func (c *activeCall) unsubscribeAll() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}

// Manager drives StartCall/EndCall and the event-to-state mapping. State is
// only mutated on the manager's dispatch loop; observers run there too.
type Manager struct {
	resolver Resolver
	factory  session.Factory
	tools    *tools.Registry
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	loop      *dispatch.Loop
	observers events.Bus[State]

	// opMu serializes StartCall, EndCall and Close.
	opMu   sync.Mutex
	closed bool

	mu     sync.Mutex
	active *activeCall

	stateMu sync.RWMutex
	state   State
}

// NewManager creates a Manager with no session.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		factory: session.WebSocketFactory,
		logger:  slog.Default(),
		now:     time.Now,
		loop:    dispatch.New(),
		state:   State{Phase: PhaseNoSession},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = session.WebSocketFactory
	}
	if m.tools == nil {
		m.tools = tools.Default()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// State returns a snapshot of the presentation state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.clone()
}

// Observe calls fn with a fresh snapshot after every state change. fn runs on
// the manager's dispatch loop and must not call StartCall or EndCall.
func (m *Manager) Observe(fn func(State)) *events.Subscription {
	return m.observers.Subscribe(fn)
}

// StartCall ends any current call, then resolves a join URL, creates a
// session, registers tools, subscribes to session events and joins. On any
// failure the manager is left with no session.
func (m *Manager) StartCall(ctx context.Context, cfg CallConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return core.NewInvalidRequestError("call manager is closed")
	}

	if err := m.endLocked(ctx); err != nil {
		m.logger.Warn("previous call did not leave cleanly", "error", err)
	}

	joinURL := strings.TrimSpace(cfg.JoinURL)
	if joinURL == "" {
		if m.resolver == nil {
			err := core.NewConfigurationError("no join URL given and no resolver configured")
			m.logStartFailure("resolve join url", err)
			return err
		}
		resolved, err := m.resolver.Resolve(ctx)
		if err != nil {
			m.logStartFailure("resolve join url", err)
			return fmt.Errorf("start call: %w", err)
		}
		joinURL = resolved
	}

	handle, err := m.factory(session.Options{Debug: cfg.Debug, Logger: m.logger})
	if err != nil {
		m.logStartFailure("create session", err)
		return fmt.Errorf("start call: %w", err)
	}
	for _, name := range m.tools.Names() {
		if fn, ok := m.tools.Lookup(name); ok {
			handle.RegisterToolImplementation(name, fn)
		}
	}

	c := &activeCall{
		id:        uuid.NewString(),
		handle:    handle,
		joinURL:   joinURL,
		debug:     cfg.Debug,
		startedAt: m.now(),
	}
	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	m.set(ctx, func(s *State) {
		*s = State{Phase: PhaseConnecting, Debug: cfg.Debug}
	})

	kinds := []session.EventKind{session.EventStatus, session.EventTranscripts, session.EventMicMuted, session.EventSpeakerMuted}
	if cfg.Debug {
		kinds = append(kinds, session.EventDebug)
	}
	for _, kind := range kinds {
		c.subs = append(c.subs, handle.Subscribe(kind, func(e session.Event) {
			m.loop.Post(func() { m.apply(c, e) })
		}))
	}

	logger := m.logger.With("call_id", c.id)
	logger.Info("joining call", "debug", cfg.Debug)
	if err := handle.JoinCall(ctx, joinURL); err != nil {
		m.logStartFailure("join call", err, "call_id", c.id)
		c.unsubscribeAll()
		if leaveErr := handle.LeaveCall(context.WithoutCancel(ctx)); leaveErr != nil {
			logger.Debug("leave after failed join", "error", leaveErr)
		}
		m.clear(ctx, c)
		return fmt.Errorf("start call: %w", err)
	}
	return nil
}

// EndCall leaves the current call and releases its subscriptions. Without a
// session it does nothing. Local cleanup always completes; a leave failure
// is logged and returned afterwards.
func (m *Manager) EndCall(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.endLocked(ctx)
}

// SendMessage sends text to the agent.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	c := m.current()
	if c == nil {
		return core.NewNoSessionError("send message")
	}
	if strings.TrimSpace(text) == "" {
		return core.NewInvalidRequestError("message text must not be empty")
	}
	return c.handle.SendText(ctx, text)
}

// ToggleMic flips the session's mic mute. State changes when the session
// reports the new value.
func (m *Manager) ToggleMic(ctx context.Context) error {
	c := m.current()
	if c == nil {
		return core.NewNoSessionError("toggle mic")
	}
	c.handle.ToggleMicMuted()
	return nil
}

// ToggleSpeaker flips the session's speaker mute. State changes when the
// session reports the new value.
func (m *Manager) ToggleSpeaker(ctx context.Context) error {
	c := m.current()
	if c == nil {
		return core.NewNoSessionError("toggle speaker")
	}
	c.handle.ToggleSpeakerMuted()
	return nil
}

// Close ends any call and stops the dispatch loop.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return nil
	}
	err := m.endLocked(ctx)
	m.closed = true
	m.loop.Close()
	return err
}

func (m *Manager) current() *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) endLocked(ctx context.Context) error {
	c := m.current()
	if c == nil {
		return nil
	}
	logger := m.logger.With("call_id", c.id)

	leaveErr := c.handle.LeaveCall(ctx)
	if leaveErr != nil {
		logger.Warn("leave call failed", "error", leaveErr)
	}
	c.unsubscribeAll()

	// Let already-queued events from this call land before it is recorded.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	_ = m.loop.Flush(flushCtx)
	cancel()
	transcripts := m.State().Transcripts

	m.clear(ctx, c)
	logger.Info("call ended")

	if m.recorder != nil {
		m.record(c, transcripts)
	}
	if leaveErr != nil {
		return fmt.Errorf("end call: %w", leaveErr)
	}
	return nil
}

// clear drops c as the current call and resets state before returning.
func (m *Manager) clear(ctx context.Context, c *activeCall) {
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()
	m.set(ctx, func(s *State) {
		*s = State{Phase: PhaseNoSession}
	})
}

func (m *Manager) record(c *activeCall, transcripts []types.Transcript) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rec := types.CallRecord{
		ID:          c.id,
		JoinURL:     c.joinURL,
		StartedAt:   c.startedAt,
		EndedAt:     m.now(),
		Transcripts: transcripts,
	}
	if err := m.recorder.RecordCall(ctx, rec); err != nil {
		m.logger.Warn("failed to record call", "call_id", c.id, "error", err)
	}
}

// endIfCurrent tears c down after the remote side ended it.
func (m *Manager) endIfCurrent(c *activeCall) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.current() != c {
		return
	}
	m.logger.Info("call ended by remote", "call_id", c.id)
	if err := m.endLocked(context.Background()); err != nil {
		m.logger.Debug("leave after remote end", "call_id", c.id, "error", err)
	}
}

// apply runs on the dispatch loop.
func (m *Manager) apply(c *activeCall, e session.Event) {
	if m.current() != c {
		return
	}
	switch e.Kind {
	case session.EventStatus:
		status := c.handle.Status()
		m.mutate(func(s *State) {
			s.Connected = status.IsLive()
			switch status {
			case types.StatusLive:
				s.Phase = PhaseLive
			case types.StatusIdle, types.StatusConnecting:
				s.Phase = PhaseConnecting
			}
		})
		if status == types.StatusEnded {
			go m.endIfCurrent(c)
		}
	case session.EventTranscripts:
		utterances := c.handle.Transcripts()
		m.mutate(func(s *State) {
			s.Transcripts = snapshotTranscripts(s.Transcripts, utterances)
		})
	case session.EventMicMuted:
		muted := c.handle.MicMuted()
		m.mutate(func(s *State) { s.MicMuted = muted })
	case session.EventSpeakerMuted:
		muted := c.handle.SpeakerMuted()
		m.mutate(func(s *State) { s.SpeakerMuted = muted })
	case session.EventDebug:
		if !c.debug {
			return
		}
		m.mutate(func(s *State) { s.LastDebug = e.Debug })
	}
}

// set runs fn on the dispatch loop and waits until observers have seen the
// result. It must not be called from the loop.
func (m *Manager) set(ctx context.Context, fn func(*State)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateTimeout)
	defer cancel()
	err := m.loop.Do(ctx, func() { m.mutate(fn) })
	switch {
	case errors.Is(err, dispatch.ErrClosed):
		m.mutate(fn)
	case err != nil:
		m.logger.Warn("state update did not complete", "error", err)
	}
}

// mutate must run on the dispatch loop.
func (m *Manager) mutate(fn func(*State)) {
	m.stateMu.Lock()
	fn(&m.state)
	snapshot := m.state.clone()
	m.stateMu.Unlock()
	m.observers.Publish(snapshot)
}

// snapshotTranscripts maps the session's utterances to fresh transcript
// values. Ids stay stable by position.
func snapshotTranscripts(prev []types.Transcript, utterances []session.Utterance) []types.Transcript {
	out := make([]types.Transcript, 0, len(utterances))
	for i, u := range utterances {
		id := ""
		if i < len(prev) {
			id = prev[i].ID
		}
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, types.Transcript{ID: id, Speaker: u.Speaker, Text: u.Text, Final: u.Final})
	}
	return out
}

func (m *Manager) logStartFailure(step string, err error, attrs ...any) {
	attrs = append(attrs, "step", step, "error", err)
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		attrs = append(attrs, "type", string(coreErr.Type))
		if coreErr.StatusCode != 0 {
			attrs = append(attrs, "status", coreErr.StatusCode, "body", coreErr.Body)
		}
	}
	m.logger.Error("start call failed", attrs...)
}

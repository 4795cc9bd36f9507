package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/events"
	"github.com/vango-go/vai-call/pkg/tools"
)

const (
	defaultJoinTimeout = 15 * time.Second
	closeWriteTimeout  = 2 * time.Second
)

// WebSocket is a data-only call session over a websocket join URL. It carries
// state, transcripts, text input and client tool calls; no audio.
type WebSocket struct {
	debug  bool
	logger *slog.Logger
	dialer *websocket.Dialer

	buses map[EventKind]*events.Bus[Event]
	tools *tools.Registry

	mu           sync.Mutex
	status       types.CallStatus
	utterances   []Utterance
	micMuted     bool
	speakerMuted bool
	conn         *websocket.Conn
	joining      bool
	done         chan struct{}
	cancelTools  context.CancelFunc

	writeMu sync.Mutex
	leaving atomic.Bool
}

var _ Handle = (*WebSocket)(nil)

// NewWebSocket creates an idle session.
func NewWebSocket(opts Options) *WebSocket {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	s := &WebSocket{
		debug:  opts.Debug,
		logger: logger,
		dialer: dialer,
		buses:  make(map[EventKind]*events.Bus[Event]),
		status: types.StatusIdle,
		tools:  tools.NewRegistry(),
	}
	for _, kind := range []EventKind{EventStatus, EventTranscripts, EventMicMuted, EventSpeakerMuted, EventDebug} {
		s.buses[kind] = &events.Bus[Event]{}
	}
	return s
}

// Subscribe registers fn for events of kind.
func (s *WebSocket) Subscribe(kind EventKind, fn func(Event)) *events.Subscription {
	bus, ok := s.buses[kind]
	if !ok {
		return events.NewSubscription(nil)
	}
	return bus.Subscribe(fn)
}

// RegisterToolImplementation makes fn callable by the agent under name.
// Registrations made after JoinCall apply to later invocations.
func (s *WebSocket) RegisterToolImplementation(name string, fn tools.Func) {
	if err := s.tools.Register(name, fn); err != nil {
		s.logger.Warn("ignoring tool registration", "tool", name, "error", err)
	}
}

// JoinCall dials joinURL and starts reading session frames.
func (s *WebSocket) JoinCall(ctx context.Context, joinURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wsURL, err := websocketURL(joinURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil || s.joining {
		s.mu.Unlock()
		return core.NewInvalidRequestError("session already joined")
	}
	s.joining = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joining = false
		s.mu.Unlock()
	}()

	s.setStatus(types.StatusConnecting)

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultJoinTimeout)
		defer cancel()
	}

	conn, resp, err := s.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		s.setStatus(types.StatusIdle)
		if resp != nil {
			return core.NewTransportError(http.MethodGet, wsURL, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return core.NewTransportError(http.MethodGet, wsURL, err)
	}

	toolCtx, cancelTools := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.done = done
	s.cancelTools = cancelTools
	s.mu.Unlock()
	s.leaving.Store(false)

	go s.readLoop(toolCtx, conn, done)
	return nil
}

// LeaveCall hangs up and waits for the read loop to stop. Calling it on a
// session that never joined, or twice, is a no-op.
func (s *WebSocket) LeaveCall(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	conn, done, cancelTools := s.conn, s.done, s.cancelTools
	s.conn, s.cancelTools = nil, nil
	s.mu.Unlock()
	if cancelTools != nil {
		cancelTools()
	}
	if conn == nil {
		return nil
	}

	s.leaving.Store(true)

	s.writeMu.Lock()
	_ = conn.WriteJSON(clientHangUp{Type: frameHangUp, Message: "client left the call"})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteTimeout))
	s.writeMu.Unlock()
	closeErr := conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.setStatus(types.StatusEnded)

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("close session connection: %w", closeErr)
	}
	return nil
}

// SendText sends a user text message to the agent.
func (s *WebSocket) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return core.NewInvalidRequestError("text must not be empty")
	}
	return s.writeJSON(ctx, clientInputText{Type: frameInputTextMessage, Text: text})
}

// ToggleMicMuted flips the mic flag. The change is announced asynchronously.
func (s *WebSocket) ToggleMicMuted() {
	s.mu.Lock()
	s.micMuted = !s.micMuted
	s.mu.Unlock()
	go s.publish(Event{Kind: EventMicMuted})
}

// ToggleSpeakerMuted flips the speaker flag. The change is announced asynchronously.
func (s *WebSocket) ToggleSpeakerMuted() {
	s.mu.Lock()
	s.speakerMuted = !s.speakerMuted
	s.mu.Unlock()
	go s.publish(Event{Kind: EventSpeakerMuted})
}

func (s *WebSocket) Status() types.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transcripts returns a copy of the transcript list in arrival order.
func (s *WebSocket) Transcripts() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Utterance, len(s.utterances))
	copy(out, s.utterances)
	return out
}

func (s *WebSocket) MicMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micMuted
}

func (s *WebSocket) SpeakerMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerMuted
}

func (s *WebSocket) publish(e Event) {
	if bus, ok := s.buses[e.Kind]; ok {
		bus.Publish(e)
	}
}

func (s *WebSocket) setStatus(status types.CallStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.publish(Event{Kind: EventStatus})
	}
}

func (s *WebSocket) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return core.NewInvalidRequestError("session is not joined")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ctx != nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
			defer conn.SetWriteDeadline(time.Time{})
		}
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write session frame: %w", err)
	}
	return nil
}

func (s *WebSocket) readLoop(toolCtx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer s.setStatus(types.StatusEnded)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case s.leaving.Load():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Info("call closed by server")
			default:
				s.logger.Warn("call session read failed", "error", err)
			}
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleFrame(toolCtx, data); err != nil {
			s.logger.Warn("dropping malformed session frame", "error", err)
		}
	}
}

func (s *WebSocket) handleFrame(ctx context.Context, data []byte) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode frame envelope: %w", err)
	}

	switch strings.TrimSpace(envelope.Type) {
	case frameState:
		var msg serverState
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		status, ok := statusFromWire(msg.State)
		if !ok {
			return fmt.Errorf("unknown session state %q", msg.State)
		}
		s.setStatus(status)
	case frameTranscript:
		var msg serverTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode transcript: %w", err)
		}
		if err := s.applyTranscript(msg); err != nil {
			return err
		}
		s.publish(Event{Kind: EventTranscripts})
	case frameClientToolInvocation:
		var msg serverToolInvocation
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode client_tool_invocation: %w", err)
		}
		return s.invokeTool(ctx, msg)
	default:
		if !s.debug {
			return nil
		}
		var payload types.DebugPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode debug message: %w", err)
		}
		s.publish(Event{Kind: EventDebug, Debug: payload})
	}
	return nil
}

func (s *WebSocket) applyTranscript(msg serverTranscript) error {
	var speaker types.Speaker
	switch strings.ToLower(strings.TrimSpace(msg.Role)) {
	case "user":
		speaker = types.SpeakerUser
	case "agent":
		speaker = types.SpeakerAgent
	default:
		return fmt.Errorf("unknown transcript role %q", msg.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.utterances {
		if s.utterances[i].Ordinal != msg.Ordinal {
			continue
		}
		switch {
		case msg.Text != nil:
			s.utterances[i].Text = *msg.Text
		case msg.Delta != nil:
			s.utterances[i].Text += *msg.Delta
		}
		s.utterances[i].Final = msg.Final
		return nil
	}

	u := Utterance{Ordinal: msg.Ordinal, Speaker: speaker, Final: msg.Final}
	switch {
	case msg.Text != nil:
		u.Text = *msg.Text
	case msg.Delta != nil:
		u.Text = *msg.Delta
	}
	s.utterances = append(s.utterances, u)
	return nil
}

func (s *WebSocket) invokeTool(ctx context.Context, msg serverToolInvocation) error {
	result := clientToolResult{Type: frameClientToolResult, InvocationID: msg.InvocationID}
	out, err := s.tools.Invoke(ctx, msg.ToolName, msg.Parameters)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		s.logger.Warn("agent invoked unregistered tool", "tool", msg.ToolName)
		result.ErrorType = toolErrorUndefined
		result.ErrorMessage = fmt.Sprintf("client tool %q is not registered", msg.ToolName)
		return s.writeJSON(ctx, result)
	case err != nil:
		s.logger.Warn("client tool failed", "tool", msg.ToolName, "error", err)
		result.ErrorType = toolErrorImplementation
		result.ErrorMessage = err.Error()
		return s.writeJSON(ctx, result)
	}
	result.Result = out
	result.ResponseType = "tool-response"
	return s.writeJSON(ctx, result)
}

func statusFromWire(state string) (types.CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "connecting":
		return types.StatusConnecting, true
	case "idle", "listening", "thinking", "speaking":
		return types.StatusLive, true
	case "disconnecting", "disconnected":
		return types.StatusEnded, true
	default:
		return "", false
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", core.NewInvalidRequestError("invalid join URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", core.NewInvalidRequestError("join URL must use ws(s) or http(s)")
	}
	return u.String(), nil
}

// Package session defines the call session handle the lifecycle manager
// drives, and a websocket implementation of it.
package session

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/events"
	"github.com/vango-go/vai-call/pkg/tools"
)

// EventKind names a class of session lifecycle event.
type EventKind string

const (
	EventStatus       EventKind = "status"
	EventTranscripts  EventKind = "transcripts"
	EventMicMuted     EventKind = "mic_muted"
	EventSpeakerMuted EventKind = "speaker_muted"
	EventDebug        EventKind = "debug"
)

// Event signals that the session property named by Kind changed. Handlers
// read the current value back from the Handle; only debug events carry data.
type Event struct {
	Kind  EventKind
	Debug types.DebugPayload
}

// Utterance is the session's own view of one transcript entry.
type Utterance struct {
	Ordinal int
	Speaker types.Speaker
	Text    string
	Final   bool
}

// Handle is one call session. Events are delivered on goroutines owned by
// the implementation.
type Handle interface {
	JoinCall(ctx context.Context, joinURL string) error
	LeaveCall(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	ToggleMicMuted()
	ToggleSpeakerMuted()
	RegisterToolImplementation(name string, fn tools.Func)

	Status() types.CallStatus
	Transcripts() []Utterance
	MicMuted() bool
	SpeakerMuted() bool

	Subscribe(kind EventKind, fn func(Event)) *events.Subscription
}

// Options configures a new Handle.
type Options struct {
	// Debug enables delivery of debug/experimental messages.
	Debug bool

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Factory creates a Handle.
type Factory func(opts Options) (Handle, error)

// WebSocketFactory is the default Factory.
func WebSocketFactory(opts Options) (Handle, error) {
	return NewWebSocket(opts), nil
}

package call

import (
	"context"
	"log/slog"

	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/session"
	"github.com/vango-go/vai-call/pkg/tools"
)

// Resolver obtains a join URL for a new call.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Recorder stores finished calls.
type Recorder interface {
	RecordCall(ctx context.Context, rec types.CallRecord) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolver sets the resolver used when CallConfig.JoinURL is empty.
func WithResolver(r Resolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithSessionFactory replaces the websocket session implementation.
func WithSessionFactory(f session.Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithTools sets the tools registered on every new session.
func WithTools(r *tools.Registry) Option {
	return func(m *Manager) {
		m.tools = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRecorder records each call to history when it ends.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

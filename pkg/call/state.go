package call

import "github.com/vango-go/vai-call/pkg/core/types"

// Phase is the lifecycle phase of the manager.
type Phase string

const (
	PhaseNoSession  Phase = "no_session"
	PhaseConnecting Phase = "connecting"
	PhaseLive       Phase = "live"
)

// State is the observable presentation state.
type State struct {
	Phase        Phase
	Connected    bool
	MicMuted     bool
	SpeakerMuted bool
	Transcripts  []types.Transcript

	// Debug reports whether the current call was started in debug mode.
	Debug     bool
	LastDebug types.DebugPayload
}

func (s State) clone() State {
	out := s
	if s.Transcripts != nil {
		out.Transcripts = make([]types.Transcript, len(s.Transcripts))
		copy(out.Transcripts, s.Transcripts)
	}
	if s.LastDebug != nil {
		out.LastDebug = make(types.DebugPayload, len(s.LastDebug))
		copy(out.LastDebug, s.LastDebug)
	}
	return out
}

// CallConfig configures one StartCall.
type CallConfig struct {
	// JoinURL skips the resolver when set.
	JoinURL string
	Debug   bool
}

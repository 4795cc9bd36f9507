package types

import "time"

// CallStatus is the connection status of a call session.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusConnecting CallStatus = "connecting"
	StatusLive       CallStatus = "live"
	StatusEnded      CallStatus = "ended"
)

// IsLive reports whether the transport is connected and the agent reachable.
func (s CallStatus) IsLive() bool { return s == StatusLive }

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Transcript is one utterance, by the user or the agent.
// Values are never mutated after creation; a changed utterance is a new value.
type Transcript struct {
	ID      string  `json:"id"`
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	Final   bool    `json:"final"`
}

// CallRecord is the history entry written when a call ends.
type CallRecord struct {
	ID          string       `json:"id"`
	JoinURL     string       `json:"join_url"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
	Transcripts []Transcript `json:"transcripts"`
}

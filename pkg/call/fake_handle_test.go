package call

import (
	"context"
	"sync"

	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/events"
	"github.com/vango-go/vai-call/pkg/session"
	"github.com/vango-go/vai-call/pkg/tools"
)

// fakeHandle is a scripted session.Handle. Events are only published when
// the test calls emit.
type fakeHandle struct {
	opts     session.Options
	joinErr  error
	leaveErr error

	mu           sync.Mutex
	joinURL      string
	joins        int
	leaves       int
	sent         []string
	status       types.CallStatus
	utterances   []session.Utterance
	micMuted     bool
	speakerMuted bool
	tools        map[string]tools.Func
	subscribed   map[session.EventKind]int
	unsubscribed map[session.EventKind]int

	buses map[session.EventKind]*events.Bus[session.Event]
}

func newFakeHandle(opts session.Options) *fakeHandle {
	f := &fakeHandle{
		opts:         opts,
		status:       types.StatusIdle,
		tools:        make(map[string]tools.Func),
		subscribed:   make(map[session.EventKind]int),
		unsubscribed: make(map[session.EventKind]int),
		buses:        make(map[session.EventKind]*events.Bus[session.Event]),
	}
	for _, kind := range []session.EventKind{session.EventStatus, session.EventTranscripts, session.EventMicMuted, session.EventSpeakerMuted, session.EventDebug} {
		f.buses[kind] = &events.Bus[session.Event]{}
	}
	return f
}

func (f *fakeHandle) JoinCall(_ context.Context, joinURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	f.joinURL = joinURL
	return f.joinErr
}

func (f *fakeHandle) LeaveCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return f.leaveErr
}

func (f *fakeHandle) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeHandle) ToggleMicMuted() {
	f.mu.Lock()
	f.micMuted = !f.micMuted
	f.mu.Unlock()
}

func (f *fakeHandle) ToggleSpeakerMuted() {
	f.mu.Lock()
	f.speakerMuted = !f.speakerMuted
	f.mu.Unlock()
}

func (f *fakeHandle) RegisterToolImplementation(name string, fn tools.Func) {
	f.mu.Lock()
	f.tools[name] = fn
	f.mu.Unlock()
}

func (f *fakeHandle) Status() types.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeHandle) Transcripts() []session.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Utterance, len(f.utterances))
	copy(out, f.utterances)
	return out
}

func (f *fakeHandle) MicMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micMuted
}

func (f *fakeHandle) SpeakerMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speakerMuted
}

func (f *fakeHandle) Subscribe(kind session.EventKind, fn func(session.Event)) *events.Subscription {
	f.mu.Lock()
	f.subscribed[kind]++
	f.mu.Unlock()

	inner := f.buses[kind].Subscribe(fn)
	return events.NewSubscription(func() {
		inner.Unsubscribe()
		f.mu.Lock()
		f.unsubscribed[kind]++
		f.mu.Unlock()
	})
}

func (f *fakeHandle) emit(e session.Event) {
	f.buses[e.Kind].Publish(e)
}

func (f *fakeHandle) setStatus(status types.CallStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
	f.emit(session.Event{Kind: session.EventStatus})
}

func (f *fakeHandle) addUtterance(speaker types.Speaker, text string) {
	f.mu.Lock()
	f.utterances = append(f.utterances, session.Utterance{Ordinal: len(f.utterances), Speaker: speaker, Text: text, Final: true})
	f.mu.Unlock()
	f.emit(session.Event{Kind: session.EventTranscripts})
}

func (f *fakeHandle) counts(kind session.EventKind) (subscribed, unsubscribed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[kind], f.unsubscribed[kind]
}

func (f *fakeHandle) listeners() int {
	n := 0
	for _, bus := range f.buses {
		n += bus.Len()
	}
	return n
}

// fakeFactory records every handle it creates.
type fakeFactory struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	joinErr  error
	leaveErr error
}

func (ff *fakeFactory) New(opts session.Options) (session.Handle, error) {
	h := newFakeHandle(opts)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	h.joinErr = ff.joinErr
	h.leaveErr = ff.leaveErr
	ff.handles = append(ff.handles, h)
	return h, nil
}

func (ff *fakeFactory) created() []*fakeHandle {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeHandle(nil), ff.handles...)
}

type fakeResolver struct {
	mu    sync.Mutex
	url   string
	err   error
	calls int
}

func (r *fakeResolver) Resolve(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.url, r.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []types.CallRecord
	err     error
}

func (r *fakeRecorder) RecordCall(_ context.Context, rec types.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

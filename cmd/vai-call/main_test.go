package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/call"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/core/types"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeHistory struct {
	mu      sync.Mutex
	records []types.CallRecord
	closed  bool
}

func (f *fakeHistory) RecordCall(_ context.Context, rec types.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeHistory) List(_ context.Context, limit int) ([]types.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeHistory) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func testConfig() config.Config {
	return config.Config{
		BaseURL:      "http://127.0.0.1:1",
		FirstSpeaker: config.FirstSpeakerAgent,
		HTTPTimeout:  5 * time.Second,
		JoinTimeout:  5 * time.Second,
	}
}

func waitForOutput(t *testing.T, buf *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q in output:\n%s", want, buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestParseCLIOptions_DefaultsAndFlags(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Debug = true
	opts, err := parseCLIOptions("vai-call", nil, cfg)
	if err != nil {
		t.Fatalf("parseCLIOptions error: %v", err)
	}
	if !opts.Debug {
		t.Fatalf("Debug=false, want config default true")
	}
	if opts.HistoryLimit != defaultHistoryLimit {
		t.Fatalf("HistoryLimit=%d, want %d", opts.HistoryLimit, defaultHistoryLimit)
	}

	opts, err = parseCLIOptions("vai-call", []string{"-join-url", " wss://join.example/call ", "-debug=false", "-no-history"}, cfg)
	if err != nil {
		t.Fatalf("parseCLIOptions error: %v", err)
	}
	if opts.JoinURL != "wss://join.example/call" || opts.Debug || !opts.NoHistory {
		t.Fatalf("opts=%+v", opts)
	}
}

func TestParseCLIOptions_Errors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"-limit", "0"},
		{"extra"},
		{"-unknown"},
	} {
		if _, err := parseCLIOptions("vai-call", args, testConfig()); err == nil {
			t.Fatalf("args=%v: expected error", args)
		}
	}
}

func TestRenderer_PrintsChanges(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := newRenderer(&out)

	r.render(call.State{Phase: call.PhaseConnecting})
	r.render(call.State{Phase: call.PhaseLive, Connected: true, Transcripts: []types.Transcript{
		{ID: "t1", Speaker: types.SpeakerAgent, Text: "Welcome", Final: false},
	}})
	r.render(call.State{Phase: call.PhaseLive, Connected: true, MicMuted: true, Transcripts: []types.Transcript{
		{ID: "t1", Speaker: types.SpeakerAgent, Text: "Welcome to Dr. Donut!", Final: true},
	}})
	r.render(call.State{Phase: call.PhaseLive, Connected: true, MicMuted: true, Transcripts: []types.Transcript{
		{ID: "t1", Speaker: types.SpeakerAgent, Text: "Welcome to Dr. Donut!", Final: true},
	}})
	r.render(call.State{Phase: call.PhaseNoSession})

	want := "" +
		"[call] connecting\n" +
		"[call] live\n" +
		"[mic] muted\n" +
		"agent: Welcome to Dr. Donut!\n" +
		"[call] ended\n" +
		"[mic] on\n"
	if got := out.String(); got != want {
		t.Fatalf("output=\n%s\nwant\n%s", got, want)
	}
}

func TestRunMain_CallOverWebsocket(t *testing.T) {
	t.Parallel()

	hangUp := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "listening"})
		ordinal := 0
		for {
			var msg struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "input_text_message":
				_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "user", "text": msg.Text, "final": true, "ordinal": ordinal})
				_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "You said: " + msg.Text, "final": true, "ordinal": ordinal + 1})
				ordinal += 2
			case "hang_up":
				hangUp <- struct{}{}
			}
		}
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	store := &fakeHistory{}
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://history.invalid/calls"
	deps := defaultCLIDeps()
	deps.loadConfig = func() (config.Config, error) { return cfg, nil }
	deps.openHistory = func(context.Context, string, *slog.Logger) (historyStore, error) { return store, nil }

	inR, inW := io.Pipe()
	out, errOut := &syncBuffer{}, &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runMain(context.Background(), []string{"-join-url", wsURL}, deps, inR, out, errOut)
	}()

	waitForOutput(t, out, "[call] live")
	if _, err := io.WriteString(inW, "one glazed donut\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	waitForOutput(t, out, "agent: You said: one glazed donut")
	if _, err := io.WriteString(inW, "/end\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runMain error: %v\nstderr:\n%s", err, errOut.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runMain did not return")
	}
	_ = inW.Close()

	select {
	case <-hangUp:
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received hang_up")
	}

	got := out.String()
	for _, want := range []string{"[call] connecting", "user: one glazed donut", "[call] ended"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 1 || len(store.records[0].Transcripts) != 2 {
		t.Fatalf("records=%+v", store.records)
	}
	if !store.closed {
		t.Fatalf("history store not closed")
	}
}

func TestRunMain_RemoteHangUpEndsInputLoop(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "listening"})
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "Goodbye!", "final": true, "ordinal": 0})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent hung up"))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	deps := defaultCLIDeps()
	deps.loadConfig = func() (config.Config, error) { return testConfig(), nil }

	inR, inW := io.Pipe()
	defer inW.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runMain(context.Background(), []string{"-join-url", wsURL}, deps, inR, out, io.Discard)
	}()

	waitForOutput(t, out, "[call] live")
	if _, err := io.WriteString(inW, "that's all\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runMain error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runMain kept reading input after the remote side ended the call:\n%s", out.String())
	}
	if got := out.String(); !strings.Contains(got, "[call] ended") {
		t.Fatalf("output missing %q:\n%s", "[call] ended", got)
	}
}

func TestRunMain_StartFailureIsReturned(t *testing.T) {
	t.Parallel()

	deps := defaultCLIDeps()
	deps.loadConfig = func() (config.Config, error) { return testConfig(), nil }

	err := runMain(context.Background(), nil, deps, strings.NewReader(""), io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "ULTRAVOX_API_KEY") {
		t.Fatalf("err=%v, want missing credential error", err)
	}
}

func TestRunMain_ConfigError(t *testing.T) {
	t.Parallel()

	deps := defaultCLIDeps()
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("VAI_CALL_HTTP_TIMEOUT must be > 0") }

	err := runMain(context.Background(), nil, deps, strings.NewReader(""), io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err=%v, want load config error", err)
	}
}

func TestRunMain_History(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeHistory{records: []types.CallRecord{{
		ID:        "5f0c6e1e-8d0c-4a53-9a43-3b7f1f1f2a10",
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		Transcripts: []types.Transcript{
			{Speaker: types.SpeakerAgent, Text: "Welcome to Dr. Donut!"},
		},
	}}}

	cfg := testConfig()
	deps := defaultCLIDeps()
	deps.loadConfig = func() (config.Config, error) { return cfg, nil }
	deps.openHistory = func(context.Context, string, *slog.Logger) (historyStore, error) { return store, nil }

	if err := runMain(context.Background(), []string{"history"}, deps, nil, io.Discard, io.Discard); err == nil {
		t.Fatalf("expected error without VAI_CALL_DATABASE_URL")
	}

	cfg.DatabaseURL = "postgres://history.invalid/calls"
	var out bytes.Buffer
	if err := runMain(context.Background(), []string{"history", "-limit", "5"}, deps, nil, &out, io.Discard); err != nil {
		t.Fatalf("runMain history error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "5f0c6e1e-8d0c-4a53-9a43-3b7f1f1f2a10") || !strings.Contains(got, "1m30s") || !strings.Contains(got, "agent: Welcome to Dr. Donut!") {
		t.Fatalf("history output=\n%s", got)
	}
}

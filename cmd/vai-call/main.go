package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/internal/dotenv"
	"github.com/vango-go/vai-call/pkg/call"
	"github.com/vango-go/vai-call/pkg/config"
	"github.com/vango-go/vai-call/pkg/core/types"
	"github.com/vango-go/vai-call/pkg/history"
	"github.com/vango-go/vai-call/pkg/joinurl"
	"github.com/vango-go/vai-call/pkg/session"
	"github.com/vango-go/vai-call/pkg/tools"
)

const (
	defaultHistoryLimit = 10
	shutdownTimeout     = 5 * time.Second
)

type cliOptions struct {
	JoinURL      string
	Debug        bool
	NoHistory    bool
	HistoryLimit int
	Verbose      bool
}

func parseCLIOptions(name string, args []string, cfg config.Config) (cliOptions, error) {
	opts := cliOptions{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&opts.JoinURL, "join-url", "", "join an existing call instead of creating one")
	fs.BoolVar(&opts.Debug, "debug", cfg.Debug, "show debug messages from the session (or VAI_CALL_DEBUG)")
	fs.BoolVar(&opts.NoHistory, "no-history", false, "do not record this call even if VAI_CALL_DATABASE_URL is set")
	fs.IntVar(&opts.HistoryLimit, "limit", defaultHistoryLimit, "number of calls listed by the history command")
	fs.BoolVar(&opts.Verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() > 0 {
		return cliOptions{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	opts.JoinURL = strings.TrimSpace(opts.JoinURL)
	if opts.HistoryLimit <= 0 {
		return cliOptions{}, errors.New("limit must be > 0")
	}
	return opts, nil
}

type historyStore interface {
	call.Recorder
	List(ctx context.Context, limit int) ([]types.CallRecord, error)
	Close()
}

type cliDeps struct {
	loadConfig     func() (config.Config, error)
	openHistory    func(ctx context.Context, databaseURL string, logger *slog.Logger) (historyStore, error)
	sessionFactory func(cfg config.Config) session.Factory
}

func defaultCLIDeps() cliDeps {
	return cliDeps{
		loadConfig:     config.LoadFromEnv,
		openHistory:    openPostgresHistory,
		sessionFactory: websocketSessions,
	}
}

func openPostgresHistory(ctx context.Context, databaseURL string, logger *slog.Logger) (historyStore, error) {
	store, err := history.Open(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func websocketSessions(cfg config.Config) session.Factory {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.JoinTimeout,
	}
	return func(opts session.Options) (session.Handle, error) {
		opts.Dialer = dialer
		return session.WebSocketFactory(opts)
	}
}

func buildResolver(cfg config.Config, logger *slog.Logger) *joinurl.Resolver {
	return joinurl.New(
		joinurl.WithBaseURL(cfg.BaseURL),
		joinurl.WithGetenv(func(key string) string {
			if key == joinurl.APIKeyEnv {
				return cfg.APIKey
			}
			return ""
		}),
		joinurl.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		joinurl.WithLogger(logger),
		joinurl.WithRequest(cfg.Request()),
	)
}

// syncWriter serializes writes from the input loop and state observers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// renderer prints the differences between consecutive state snapshots.
type renderer struct {
	out     io.Writer
	prev    call.State
	printed map[string]bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:     out,
		prev:    call.State{Phase: call.PhaseNoSession},
		printed: make(map[string]bool),
	}
}

func (r *renderer) render(s call.State) {
	if s.Phase != r.prev.Phase {
		fmt.Fprintf(r.out, "[call] %s\n", phaseLabel(s.Phase))
	}
	if s.MicMuted != r.prev.MicMuted {
		fmt.Fprintf(r.out, "[mic] %s\n", onOff(!s.MicMuted))
	}
	if s.SpeakerMuted != r.prev.SpeakerMuted {
		fmt.Fprintf(r.out, "[speaker] %s\n", onOff(!s.SpeakerMuted))
	}
	for _, tr := range s.Transcripts {
		if !tr.Final || r.printed[tr.ID] {
			continue
		}
		r.printed[tr.ID] = true
		fmt.Fprintf(r.out, "%s: %s\n", tr.Speaker, tr.Text)
	}
	if s.LastDebug != nil && s.LastDebug.String() != r.prev.LastDebug.String() {
		fmt.Fprintf(r.out, "[debug] %s\n", s.LastDebug)
	}
	if s.Phase == call.PhaseNoSession {
		clear(r.printed)
	}
	r.prev = s
}

func phaseLabel(p call.Phase) string {
	switch p {
	case call.PhaseConnecting:
		return "connecting"
	case call.PhaseLive:
		return "live"
	default:
		return "ended"
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "muted"
}

func runCall(ctx context.Context, cfg config.Config, opts cliOptions, deps cliDeps, in io.Reader, out, errOut io.Writer, logger *slog.Logger) error {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.sessionFactory == nil {
		return errors.New("missing sessionFactory dependency")
	}
	out = &syncWriter{w: out}

	managerOpts := []call.Option{
		call.WithResolver(buildResolver(cfg, logger)),
		call.WithSessionFactory(deps.sessionFactory(cfg)),
		call.WithTools(tools.Default()),
		call.WithLogger(logger),
	}
	if cfg.DatabaseURL != "" && !opts.NoHistory && deps.openHistory != nil {
		store, err := deps.openHistory(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			fmt.Fprintf(errOut, "history disabled: %v\n", err)
		} else {
			defer store.Close()
			managerOpts = append(managerOpts, call.WithRecorder(store))
		}
	}

	m := call.NewManager(managerOpts...)

	// ended closes when a started call returns to no session, however it ended.
	ended := make(chan struct{})
	var endOnce sync.Once
	r := newRenderer(out)
	sub := m.Observe(func(s call.State) {
		wasActive := r.prev.Phase != call.PhaseNoSession
		r.render(s)
		if wasActive && s.Phase == call.PhaseNoSession {
			endOnce.Do(func() { close(ended) })
		}
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			fmt.Fprintf(errOut, "end call: %v\n", err)
		}
		sub.Unsubscribe()
	}()

	if err := m.StartCall(ctx, call.CallConfig{JoinURL: opts.JoinURL, Debug: opts.Debug}); err != nil {
		return err
	}
	fmt.Fprintln(out, "Type a message and press enter. Commands: /mute /speaker /end")

	inputCtx, stopInput := context.WithCancel(ctx)
	defer stopInput()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-inputCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if done := handleLine(ctx, m, line, errOut); done {
				return nil
			}
		}
	}
}

// handleLine applies one input line and reports whether the session is over.
func handleLine(ctx context.Context, m *call.Manager, line string, errOut io.Writer) bool {
	var err error
	switch line {
	case "/end", "/exit", "/quit":
		if err := m.EndCall(ctx); err != nil {
			fmt.Fprintf(errOut, "end call: %v\n", err)
		}
		return true
	case "/mute":
		err = m.ToggleMic(ctx)
	case "/speaker":
		err = m.ToggleSpeaker(ctx)
	default:
		err = m.SendMessage(ctx, line)
	}
	if err != nil {
		fmt.Fprintf(errOut, "%s: %v\n", strings.TrimPrefix(strings.Fields(line)[0], "/"), err)
	}
	return false
}

func runHistory(ctx context.Context, cfg config.Config, opts cliOptions, deps cliDeps, out io.Writer, logger *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("VAI_CALL_DATABASE_URL must be set to list call history")
	}
	if deps.openHistory == nil {
		return errors.New("missing openHistory dependency")
	}
	store, err := deps.openHistory(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(ctx, opts.HistoryLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no calls recorded")
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%s  %s  %s\n", rec.StartedAt.Local().Format(time.DateTime), rec.EndedAt.Sub(rec.StartedAt).Round(time.Second), rec.ID)
		for _, tr := range rec.Transcripts {
			fmt.Fprintf(out, "    %s: %s\n", tr.Speaker, tr.Text)
		}
	}
	return nil
}

func runMain(ctx context.Context, args []string, deps cliDeps, in io.Reader, out, errOut io.Writer) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	command := "call"
	if len(args) > 0 && args[0] == "history" {
		command, args = "history", args[1:]
	}
	opts, err := parseCLIOptions("vai-call "+command, args, cfg)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	if command == "history" {
		return runHistory(ctx, cfg, opts, deps, out, logger)
	}
	return runCall(ctx, cfg, opts, deps, in, out, errOut, logger)
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "vai-call: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], defaultCLIDeps(), os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vai-call: %v\n", err)
		os.Exit(1)
	}
}

package joinurl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-call/pkg/core"
)

func noEnv(string) string { return "" }

func testResolver(baseURL string, opts ...Option) *Resolver {
	base := []Option{
		WithBaseURL(baseURL),
		WithAPIKey("test-key"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	}
	return New(append(base, opts...)...)
}

func TestResolve_CreatedReturnsJoinURL(t *testing.T) {
	t.Parallel()

	var gotBody CreateCallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		if r.URL.Path != "/api/calls" {
			t.Errorf("path=%s, want /api/calls", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("X-API-Key=%q, want test-key", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type=%q, want application/json", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"joinUrl":"https://x"}`))
	}))
	defer server.Close()

	joinURL, err := testResolver(server.URL + "/").Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if joinURL != "https://x" {
		t.Fatalf("joinURL=%q, want https://x", joinURL)
	}
	if gotBody.SystemPrompt != DefaultSystemPrompt || gotBody.Voice != DefaultVoice || gotBody.Model != DefaultModel || gotBody.FirstSpeaker != DefaultFirstSpeaker {
		t.Fatalf("body=%+v, want defaults", gotBody)
	}
}

func TestResolve_NonCreatedIsServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("err"))
	}))
	defer server.Close()

	_, err := testResolver(server.URL).Resolve(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("err=%T %v, want *core.Error", err, err)
	}
	if coreErr.Type != core.ErrServer || coreErr.StatusCode != 500 || coreErr.Body != "err" {
		t.Fatalf("err=%+v, want server_error{500, err}", coreErr)
	}
}

func TestResolve_OKIsStillServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"joinUrl":"https://x"}`))
	}))
	defer server.Close()

	_, err := testResolver(server.URL).Resolve(context.Background())
	if !core.IsType(err, core.ErrServer) {
		t.Fatalf("err=%v, want server_error for status 200", err)
	}
}

func TestResolve_MissingCredentialMakesNoRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	r := New(WithBaseURL(server.URL), WithGetenv(noEnv))
	_, err := r.Resolve(context.Background())
	if !core.IsType(err, core.ErrConfiguration) {
		t.Fatalf("err=%v, want configuration_error", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("hits=%d, want 0", hits.Load())
	}
}

func TestResolve_CredentialFromEnvironment(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "env-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"joinUrl":"wss://join.example/call"}`))
	}))
	defer server.Close()

	getenv := func(key string) string {
		if key == APIKeyEnv {
			return " env-key "
		}
		return ""
	}
	joinURL, err := New(WithBaseURL(server.URL), WithGetenv(getenv)).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if joinURL != "wss://join.example/call" {
		t.Fatalf("joinURL=%q", joinURL)
	}
}

func TestResolve_DecodingErrors(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"malformed":   `{"joinUrl":`,
		"wrong shape": `{"joinUrl":42}`,
		"missing":     `{"callId":"abc"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := testResolver(server.URL).Resolve(context.Background())
			if !core.IsType(err, core.ErrDecoding) {
				t.Fatalf("err=%v, want decoding_error", err)
			}
		})
	}
}

func TestResolve_RequestBuildError(t *testing.T) {
	t.Parallel()

	req := DefaultRequest()
	req.Metadata = map[string]any{"bad": make(chan int)}

	_, err := testResolver("http://127.0.0.1:1", WithRequest(req)).Resolve(context.Background())
	if !core.IsType(err, core.ErrRequestBuild) {
		t.Fatalf("err=%v, want request_build_error", err)
	}
}

func TestResolve_TransportErrors(t *testing.T) {
	t.Parallel()

	_, err := testResolver("://not-a-url").Resolve(context.Background())
	if !core.IsType(err, core.ErrTransport) {
		t.Fatalf("malformed url err=%v, want transport_error", err)
	}

	server := httptest.NewServer(http.NotFoundHandler())
	closedURL := server.URL
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = testResolver(closedURL).Resolve(ctx)
	if !core.IsType(err, core.ErrTransport) {
		t.Fatalf("closed server err=%v, want transport_error", err)
	}
}

func TestResolve_NoRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if _, err := testResolver(server.URL).Resolve(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits=%d, want 1", hits.Load())
	}
}

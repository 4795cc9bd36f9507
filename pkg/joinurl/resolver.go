// Package joinurl obtains a call join URL from the voice service REST API.
package joinurl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-call/pkg/core"
)

const (
	// APIKeyEnv names the environment variable holding the service credential.
	APIKeyEnv = "ULTRAVOX_API_KEY"

	DefaultBaseURL = "https://api.ultravox.ai"

	callsPath      = "/api/calls"
	apiKeyHeader   = "X-API-Key"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	tracerName     = "github.com/vango-go/vai-call/pkg/joinurl"
)

// Request defaults.
const (
	DefaultSystemPrompt = "You are a drive-thru order taker for a donut shop called \"Dr. Donut\". " +
		"Greet the customer, take their order, and read back the total. " +
		"If the customer asks about specials, call the getSecretMenu tool and offer those items."
	DefaultVoice        = "Mark"
	DefaultModel        = "fixie-ai/ultravox"
	DefaultFirstSpeaker = "FIRST_SPEAKER_AGENT"
)

// CreateCallRequest is the body of a create-call request.
type CreateCallRequest struct {
	SystemPrompt     string         `json:"systemPrompt"`
	Voice            string         `json:"voice"`
	Model            string         `json:"model"`
	FirstSpeaker     string         `json:"firstSpeaker"`
	RecordingEnabled bool           `json:"recordingEnabled"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DefaultRequest returns the request sent when no override is configured.
func DefaultRequest() CreateCallRequest {
	return CreateCallRequest{
		SystemPrompt: DefaultSystemPrompt,
		Voice:        DefaultVoice,
		Model:        DefaultModel,
		FirstSpeaker: DefaultFirstSpeaker,
	}
}

type createCallResponse struct {
	JoinURL string `json:"joinUrl"`
}

// Resolver issues create-call requests. It performs exactly one attempt per
// call to Resolve.
type Resolver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	getenv     func(string) string
	request    CreateCallRequest
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBaseURL overrides the service base URL.
func WithBaseURL(url string) Option {
	return func(r *Resolver) {
		r.baseURL = url
	}
}

// WithAPIKey sets the credential, bypassing the environment lookup.
func WithAPIKey(key string) Option {
	return func(r *Resolver) {
		r.apiKey = key
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.httpClient = client
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) {
		r.tracer = t
	}
}

// WithGetenv replaces os.Getenv for the credential lookup.
func WithGetenv(getenv func(string) string) Option {
	return func(r *Resolver) {
		r.getenv = getenv
	}
}

// WithRequest replaces the default request body.
func WithRequest(req CreateCallRequest) Option {
	return func(r *Resolver) {
		r.request = req
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		baseURL: DefaultBaseURL,
		logger:  slog.Default(),
		getenv:  os.Getenv,
		request: DefaultRequest(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	return r
}

// Resolve creates a call and returns its join URL.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	return r.ResolveRequest(ctx, r.request)
}

// ResolveRequest creates a call described by req and returns its join URL.
func (r *Resolver) ResolveRequest(ctx context.Context, req CreateCallRequest) (string, error) {
	apiKey := strings.TrimSpace(r.apiKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.getenv(APIKeyEnv))
	}
	if apiKey == "" {
		return "", core.NewConfigurationError(APIKeyEnv + " is not set")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", core.NewRequestBuildError("failed to encode create-call request", err)
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	endpoint := strings.TrimRight(strings.TrimSpace(r.baseURL), "/") + callsPath
	ctx, span := r.tracer.Start(ctx, "joinurl.Resolve",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodPost),
			attribute.String("vai_call.model", req.Model),
			attribute.String("vai_call.voice", req.Voice),
		),
	)
	defer span.End()

	joinURL, err := r.post(ctx, span, endpoint, apiKey, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "")
	return joinURL, nil
}

func (r *Resolver) post(ctx context.Context, span trace.Span, endpoint, apiKey string, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", core.NewTransportError(http.MethodPost, endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, apiKey)

	r.logger.Debug("requesting join url", "endpoint", endpoint)
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", core.NewTransportError(http.MethodPost, endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", core.NewTransportError(http.MethodPost, endpoint, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", core.NewServerError(resp.StatusCode, string(respBody))
	}

	var decoded createCallResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", core.NewDecodingError("failed to decode create-call response", err)
	}
	if strings.TrimSpace(decoded.JoinURL) == "" {
		return "", core.NewDecodingError("create-call response is missing joinUrl", errors.New("empty joinUrl"))
	}
	return decoded.JoinURL, nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}

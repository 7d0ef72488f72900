package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds a single identity fetch.
	DefaultTimeout = 8 * time.Second

	// DefaultMePath is the backend "current user" endpoint.
	DefaultMePath = "/me"

	tracerName = "github.com/tyemirov/meetgate/internal/backend"
)

var (
	// ErrNotConfigured indicates that no backend base URL was supplied.
	ErrNotConfigured = errors.New("backend.not_configured")
	// ErrInvalidBaseURL indicates that the configured base URL cannot be used.
	ErrInvalidBaseURL = errors.New("backend.invalid_base_url")
	// ErrUnauthorized indicates the backend rejected the bearer token.
	ErrUnauthorized = errors.New("backend.unauthorized")
	// ErrTimeout indicates the backend did not answer within the timeout.
	ErrTimeout = errors.New("backend.timeout")
	// ErrUpstream covers every other backend failure.
	ErrUpstream = errors.New("backend.upstream")
	// ErrMissingAccessToken indicates the caller supplied no bearer token.
	ErrMissingAccessToken = errors.New("backend.missing_access_token")
)

// Config configures the Gateway.
type Config struct {
	BaseURL    string
	MePath     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    LatencyObserver
}

// Identity is the backend's view of the current user.
type Identity struct {
	ID             string          `json:"id"`
	SupabaseUserID string          `json:"supabaseUserId"`
	Email          string          `json:"email"`
	HasOnboarded   bool            `json:"hasOnboarded"`
	Role           string          `json:"role"`
	Type           string          `json:"type"`
	TierRules      json.RawMessage `json:"tierRules,omitempty"`
}

// IdentityFetcher fetches the backend identity for an access token.
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, accessToken string) (Identity, error)
	Configured() bool
}

// Gateway calls the backend identity endpoint.
type Gateway struct {
	baseURL    *url.URL
	mePath     string
	timeout    time.Duration
	httpClient *http.Client
	tracer     trace.Tracer
	metrics    LatencyObserver
}

// NewGateway validates configuration once. An empty base URL is accepted and
// produces a gateway that reports ErrNotConfigured on every call.
func NewGateway(configuration Config) (*Gateway, error) {
	gateway := &Gateway{
		mePath:     configuration.MePath,
		timeout:    effectiveTimeout(configuration.Timeout),
		httpClient: configuration.HTTPClient,
		tracer:     otel.Tracer(tracerName),
		metrics:    configuration.Metrics,
	}
	if strings.TrimSpace(gateway.mePath) == "" {
		gateway.mePath = DefaultMePath
	}
	if !strings.HasPrefix(gateway.mePath, "/") {
		gateway.mePath = "/" + gateway.mePath
	}
	if gateway.httpClient == nil {
		gateway.httpClient = &http.Client{}
	}
	if gateway.metrics == nil {
		gateway.metrics = noopLatencyObserver{}
	}
	trimmed := strings.TrimSpace(configuration.BaseURL)
	if trimmed == "" {
		return gateway, nil
	}
	parsed, parseErr := ParseBaseURL(trimmed)
	if parseErr != nil {
		return nil, parseErr
	}
	gateway.baseURL = parsed
	return gateway, nil
}

// ParseBaseURL checks that raw is an absolute http(s) URL.
func ParseBaseURL(raw string) (*url.URL, error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(raw))
	if parseErr != nil {
		return nil, fmt.Errorf("backend.parse_base_url: %w: %v", ErrInvalidBaseURL, parseErr)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("backend.parse_base_url: %w: %s", ErrInvalidBaseURL, raw)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	return parsed, nil
}

// Configured reports whether a base URL is set.
func (gateway *Gateway) Configured() bool {
	return gateway != nil && gateway.baseURL != nil
}

// BaseURL returns a copy of the configured base URL, or nil.
func (gateway *Gateway) BaseURL() *url.URL {
	if !gateway.Configured() {
		return nil
	}
	clone := *gateway.baseURL
	return &clone
}

// FetchIdentity calls GET {base}{mePath} with the bearer token.
func (gateway *Gateway) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	if !gateway.Configured() {
		return Identity{}, fmt.Errorf("backend.fetch_identity: %w", ErrNotConfigured)
	}
	if strings.TrimSpace(accessToken) == "" {
		return Identity{}, fmt.Errorf("backend.fetch_identity: %w", ErrMissingAccessToken)
	}

	ctx, span := gateway.tracer.Start(ctx, "backend.fetch_identity", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	startTime := time.Now()
	identity, outcome, fetchErr := gateway.fetch(ctx, accessToken)
	gateway.metrics.ObserveLatency(outcome, time.Since(startTime))

	span.SetAttributes(attribute.String("backend.outcome", outcome))
	if fetchErr != nil {
		span.RecordError(fetchErr)
		span.SetStatus(codes.Error, outcome)
		return Identity{}, fmt.Errorf("backend.fetch_identity: %w", fetchErr)
	}
	span.SetStatus(codes.Ok, "")
	return identity, nil
}

func (gateway *Gateway) fetch(ctx context.Context, accessToken string) (Identity, string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, gateway.timeout)
	defer cancel()

	endpoint := gateway.baseURL.String() + gateway.mePath
	request, requestErr := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if requestErr != nil {
		return Identity{}, "request_error", fmt.Errorf("%w: %v", ErrUpstream, requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, doErr := gateway.httpClient.Do(request)
	if doErr != nil {
		if errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			return Identity{}, "timeout", fmt.Errorf("%w: %v", ErrTimeout, doErr)
		}
		return Identity{}, "network_error", fmt.Errorf("%w: %v", ErrUpstream, doErr)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, response.Body)
		return Identity{}, "unauthorized", fmt.Errorf("%w: status %d", ErrUnauthorized, response.StatusCode)
	case response.StatusCode < 200 || response.StatusCode > 299:
		_, _ = io.Copy(io.Discard, response.Body)
		return Identity{}, "upstream_status", fmt.Errorf("%w: status %d", ErrUpstream, response.StatusCode)
	}

	var identity Identity
	if decodeErr := json.NewDecoder(response.Body).Decode(&identity); decodeErr != nil {
		if errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			return Identity{}, "timeout", fmt.Errorf("%w: %v", ErrTimeout, decodeErr)
		}
		return Identity{}, "decode_error", fmt.Errorf("%w: decode: %v", ErrUpstream, decodeErr)
	}
	return identity, "success", nil
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}

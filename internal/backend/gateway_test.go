package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mutex    sync.Mutex
	outcomes []string
}

func (observer *recordingObserver) ObserveLatency(outcome string, elapsed time.Duration) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.outcomes = append(observer.outcomes, outcome)
}

func (observer *recordingObserver) last() string {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	if len(observer.outcomes) == 0 {
		return ""
	}
	return observer.outcomes[len(observer.outcomes)-1]
}

func newTestGateway(t *testing.T, baseURL string, timeout time.Duration, observer LatencyObserver) *Gateway {
	t.Helper()
	gateway, err := NewGateway(Config{BaseURL: baseURL, Timeout: timeout, Metrics: observer})
	if err != nil {
		t.Fatalf("unexpected gateway error: %v", err)
	}
	return gateway
}

func TestFetchIdentitySuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/me" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer access-1" {
			t.Errorf("unexpected authorization header %q", request.Header.Get("Authorization"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"id":"u-1","supabaseUserId":"sb-1","email":"user@example.com","hasOnboarded":true,"role":"USER","type":"PREMIUM","tierRules":{"maxActivities":10}}`))
	}))
	defer server.Close()

	observer := &recordingObserver{}
	gateway := newTestGateway(t, server.URL+"/api/", time.Second, observer)

	identity, err := gateway.FetchIdentity(context.Background(), "access-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.ID != "u-1" || identity.SupabaseUserID != "sb-1" || !identity.HasOnboarded || identity.Type != "PREMIUM" {
		t.Fatalf("unexpected identity: %#v", identity)
	}
	if len(identity.TierRules) == 0 {
		t.Fatalf("expected tier rules to be preserved")
	}
	if observer.last() != "success" {
		t.Fatalf("expected success outcome, got %q", observer.last())
	}
}

func TestFetchIdentityFailureClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		status      int
		body        string
		expectedErr error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, expectedErr: ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, expectedErr: ErrUnauthorized},
		{name: "server error", status: http.StatusInternalServerError, expectedErr: ErrUpstream},
		{name: "bad json", status: http.StatusOK, body: "{", expectedErr: ErrUpstream},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			defer server.Close()

			gateway := newTestGateway(t, server.URL, time.Second, nil)
			_, err := gateway.FetchIdentity(context.Background(), "token")
			if !errors.Is(err, testCase.expectedErr) {
				t.Fatalf("expected %v, got %v", testCase.expectedErr, err)
			}
		})
	}
}

func TestFetchIdentityTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	observer := &recordingObserver{}
	gateway := newTestGateway(t, server.URL, 50*time.Millisecond, observer)
	startTime := time.Now()
	_, err := gateway.FetchIdentity(context.Background(), "token")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(startTime) > 2*time.Second {
		t.Fatalf("timeout was not enforced")
	}
	if observer.last() != "timeout" {
		t.Fatalf("expected timeout outcome, got %q", observer.last())
	}
}

func TestFetchIdentityNetworkError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	gateway := newTestGateway(t, baseURL, time.Second, nil)
	_, err := gateway.FetchIdentity(context.Background(), "token")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestGatewayNotConfigured(t *testing.T) {
	t.Parallel()

	gateway := newTestGateway(t, "  ", 0, nil)
	if gateway.Configured() {
		t.Fatalf("expected gateway to be unconfigured")
	}
	if gateway.timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %v", gateway.timeout)
	}
	_, err := gateway.FetchIdentity(context.Background(), "token")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured error, got %v", err)
	}
}

func TestGatewayRejectsInvalidBaseURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"ftp://example.com", "not a url", "/relative"} {
		if _, err := NewGateway(Config{BaseURL: raw}); !errors.Is(err, ErrInvalidBaseURL) {
			t.Fatalf("expected invalid base url error for %q, got %v", raw, err)
		}
	}
}

func TestFetchIdentityRequiresToken(t *testing.T) {
	t.Parallel()

	gateway := newTestGateway(t, "https://backend.example.com", 0, nil)
	if _, err := gateway.FetchIdentity(context.Background(), ""); !errors.Is(err, ErrMissingAccessToken) {
		t.Fatalf("expected missing access token error, got %v", err)
	}
}

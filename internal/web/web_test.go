package web

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	webassets "github.com/tyemirov/meetgate/web"
	"go.uber.org/zap/zaptest"
)

func TestServeEmbeddedStaticJS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/client.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/client.js", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "application/javascript") {
		t.Fatalf("unexpected content type header %q", contentType)
	}
	if !strings.Contains(recorder.Body.String(), "useAuthState") {
		t.Fatalf("expected auth client source to be served")
	}

	missRouter := gin.New()
	missRouter.GET("/missing.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "missing.js")
	})
	missRecorder := httptest.NewRecorder()
	missRouter.ServeHTTP(missRecorder, httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	if missRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", missRecorder.Code)
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", credentials)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	testCases := []struct {
		name    string
		origins []string
	}{
		{name: "nil", origins: nil},
		{name: "blank", origins: []string{"  "}},
		{name: "wildcard", origins: []string{"*"}},
		{name: "path", origins: []string{"https://example.com/app"}},
		{name: "scheme", origins: []string{"ftp://example.com"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(zaptest.NewLogger(t), testCase.origins); err == nil {
				t.Fatalf("expected error for %v", testCase.origins)
			}
		})
	}
}

func TestResolveSiteURL(t *testing.T) {
	testCases := []struct {
		name       string
		configured string
		prepare    func(request *http.Request)
		expected   string
	}{
		{
			name:       "configured wins",
			configured: "https://meet.example.com/",
			prepare: func(request *http.Request) {
				request.Header.Set("X-Forwarded-Host", "proxy.example.com")
			},
			expected: "https://meet.example.com",
		},
		{
			name: "forwarded host defaults to https",
			prepare: func(request *http.Request) {
				request.Header.Set("X-Forwarded-Host", "proxy.example.com")
			},
			expected: "https://proxy.example.com",
		},
		{
			name: "forwarded host and proto",
			prepare: func(request *http.Request) {
				request.Header.Set("X-Forwarded-Host", "proxy.example.com, inner.local")
				request.Header.Set("X-Forwarded-Proto", "HTTP")
			},
			expected: "http://proxy.example.com",
		},
		{
			name:     "request origin",
			prepare:  func(request *http.Request) {},
			expected: "http://gateway.local:8080",
		},
		{
			name: "tls request origin",
			prepare: func(request *http.Request) {
				request.TLS = &tls.ConnectionState{}
			},
			expected: "https://gateway.local:8080",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "http://gateway.local:8080/login", nil)
			request.URL.Scheme = ""
			testCase.prepare(request)
			if resolved := ResolveSiteURL(testCase.configured, request); resolved != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, resolved)
			}
		})
	}
	if resolved := ResolveSiteURL("", nil); resolved != "http://localhost" {
		t.Fatalf("unexpected nil request origin %s", resolved)
	}
}

func TestServeClientConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, ClientConfig{
			MeEndpoint:        "/rpc/v1/auth/me",
			SignOutEndpoint:   "/rpc/v1/auth/signout",
			MagicLinkEndpoint: "/rpc/v1/auth/magic-link",
		})
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/static/config.js", nil)
	request.Header.Set("X-Forwarded-Host", "meet.example.com")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, expected := range []string{"window.__MEETGATE_CONFIG", `"siteUrl":"https://meet.example.com"`, `"meEndpoint":"/rpc/v1/auth/me"`} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %s in %s", expected, body)
		}
	}
	if cacheControl := recorder.Header().Get("Cache-Control"); !strings.Contains(cacheControl, "no-store") {
		t.Fatalf("expected no-store cache control, got %q", cacheControl)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var observed string
	router := gin.New()
	router.Use(RequestID())
	router.GET("/ping", func(contextGin *gin.Context) {
		observed = RequestIDFromContext(contextGin.Request.Context())
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if len(observed) != 26 {
		t.Fatalf("expected generated ulid, got %q", observed)
	}
	if recorder.Header().Get(RequestIDHeader) != observed {
		t.Fatalf("expected response header to echo request id")
	}

	inbound := httptest.NewRequest(http.MethodGet, "/ping", nil)
	inbound.Header.Set(RequestIDHeader, "trace-abc")
	router.ServeHTTP(httptest.NewRecorder(), inbound)
	if observed != "trace-abc" {
		t.Fatalf("expected inbound id to be honoured, got %q", observed)
	}
}

func TestNewFrontendProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var observedCookie, observedPath string
	frontend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		observedCookie = request.Header.Get("Cookie")
		observedPath = request.URL.Path
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("<html>feed</html>"))
	}))
	defer frontend.Close()

	handler, err := NewFrontendProxy(frontend.URL, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	router := gin.New()
	router.NoRoute(handler)
	gateway := httptest.NewServer(router)
	defer gateway.Close()

	request, requestErr := http.NewRequest(http.MethodGet, gateway.URL+"/feed", nil)
	if requestErr != nil {
		t.Fatalf("failed to build request: %v", requestErr)
	}
	request.Header.Set("Cookie", "app_access=token")
	response, responseErr := gateway.Client().Do(request)
	if responseErr != nil {
		t.Fatalf("request failed: %v", responseErr)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)

	if response.StatusCode != http.StatusOK || !strings.Contains(string(body), "feed") {
		t.Fatalf("unexpected response %d %s", response.StatusCode, body)
	}
	if observedPath != "/feed" || observedCookie != "app_access=token" {
		t.Fatalf("unexpected upstream request path=%s cookie=%s", observedPath, observedCookie)
	}

	empty, emptyErr := NewFrontendProxy("", nil)
	if emptyErr != nil || empty != nil {
		t.Fatalf("expected nil handler for empty target")
	}
	if _, invalidErr := NewFrontendProxy("::bad", nil); invalidErr == nil {
		t.Fatalf("expected error for invalid target")
	}
}

func TestServeEmbeddedStaticJSRevalidates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/client.js", func(contextGin *gin.Context) {
		ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/client.js", nil))
	entityTag := first.Header().Get("ETag")
	if entityTag == "" {
		t.Fatalf("expected ETag header")
	}

	request := httptest.NewRequest(http.MethodGet, "/client.js", nil)
	request.Header.Set("If-None-Match", entityTag)
	second := httptest.NewRecorder()
	router.ServeHTTP(second, request)
	if second.Code != http.StatusNotModified || second.Body.Len() != 0 {
		t.Fatalf("expected 304 without body, got %d (%d bytes)", second.Code, second.Body.Len())
	}
}

func TestNormalizeOrigins(t *testing.T) {
	origins, err := normalizeOrigins(zaptest.NewLogger(t), []string{"https://Meet.Example.com/", " http://localhost:3000 ", "https://meet.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(origins) != 2 || origins[0] != "http://localhost:3000" || origins[1] != "https://meet.example.com" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

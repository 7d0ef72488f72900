package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type forwardContextKey struct{}

type forwardTarget struct {
	upstreamPath string
	accessToken  string
}

// Proxy forwards authenticated calls to the backend REST API.
type Proxy struct {
	gateway *Gateway
	reverse *httputil.ReverseProxy
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewProxy builds a Proxy that targets the gateway's base URL.
func NewProxy(gateway *Gateway, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	proxy := &Proxy{
		gateway: gateway,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
	transport := http.DefaultTransport
	if gateway != nil && gateway.httpClient != nil && gateway.httpClient.Transport != nil {
		transport = gateway.httpClient.Transport
	}
	proxy.reverse = &httputil.ReverseProxy{
		Rewrite:      proxy.rewrite,
		Transport:    transport,
		ErrorHandler: proxy.handleError,
	}
	return proxy
}

// Configured reports whether the backend base URL is set.
func (proxy *Proxy) Configured() bool {
	return proxy != nil && proxy.gateway.Configured()
}

// Forward sends request to {base}{upstreamPath} with the bearer token and
// streams the backend response to writer. Headers already present on writer,
// such as Set-Cookie, are kept.
func (proxy *Proxy) Forward(writer http.ResponseWriter, request *http.Request, upstreamPath string, accessToken string) {
	if !proxy.Configured() {
		WriteError(writer, http.StatusInternalServerError, ErrNotConfigured.Error(), "backend API URL is not configured")
		return
	}
	if !strings.HasPrefix(upstreamPath, "/") {
		upstreamPath = "/" + upstreamPath
	}
	ctx, span := proxy.tracer.Start(request.Context(), "backend.proxy", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", request.Method),
		attribute.String("backend.path", upstreamPath),
	)
	ctx = context.WithValue(ctx, forwardContextKey{}, forwardTarget{upstreamPath: upstreamPath, accessToken: accessToken})
	proxy.reverse.ServeHTTP(writer, request.WithContext(ctx))
}

func (proxy *Proxy) rewrite(proxyRequest *httputil.ProxyRequest) {
	target, _ := proxyRequest.In.Context().Value(forwardContextKey{}).(forwardTarget)
	outboundURL := *proxy.gateway.baseURL
	outboundURL.Path = proxy.gateway.baseURL.Path + target.upstreamPath
	outboundURL.RawPath = ""
	outboundURL.RawQuery = proxyRequest.In.URL.RawQuery
	proxyRequest.Out.URL = &outboundURL
	proxyRequest.Out.Host = outboundURL.Host
	proxyRequest.Out.Header.Del("Cookie")
	proxyRequest.Out.Header.Set("Authorization", "Bearer "+target.accessToken)
	proxyRequest.SetXForwarded()
}

func (proxy *Proxy) handleError(writer http.ResponseWriter, request *http.Request, proxyErr error) {
	proxy.logger.Warn("backend proxy failure",
		zap.String("code", "backend.proxy_failed"),
		zap.String("path", request.URL.Path),
		zap.Error(proxyErr))
	WriteError(writer, http.StatusBadGateway, ErrUpstream.Error(), "backend is unavailable")
}

// WriteError writes the {error, message} JSON body used by API routes.
func WriteError(writer http.ResponseWriter, status int, code string, message string) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.Header().Set("Cache-Control", "no-store")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

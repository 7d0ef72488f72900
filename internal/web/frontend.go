package web

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewFrontendProxy forwards page navigations that passed the guard to the
// page renderer at target. An empty target yields a nil handler.
func NewFrontendProxy(target string, logger *zap.Logger) (gin.HandlerFunc, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return nil, nil
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("web.frontend_proxy: invalid target %q", target)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reverse := &httputil.ReverseProxy{
		Rewrite: func(proxyRequest *httputil.ProxyRequest) {
			proxyRequest.SetURL(parsed)
			proxyRequest.SetXForwarded()
			proxyRequest.Out.Host = proxyRequest.In.Host
		},
		ErrorHandler: func(writer http.ResponseWriter, request *http.Request, proxyErr error) {
			logger.Warn("frontend proxy failure",
				zap.String("code", "web.frontend_proxy_failed"),
				zap.String("path", request.URL.Path),
				zap.Error(proxyErr))
			writer.WriteHeader(http.StatusBadGateway)
		},
	}
	return func(contextGin *gin.Context) {
		reverse.ServeHTTP(contextGin.Writer, contextGin.Request)
	}, nil
}

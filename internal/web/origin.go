package web

import (
	"fmt"
	"net/http"
	"strings"
)

// ResolveSiteURL returns the canonical origin used for absolute callback URLs.
// A configured value wins; otherwise X-Forwarded-Host (with X-Forwarded-Proto,
// default https) is used; otherwise the request's own scheme and host.
func ResolveSiteURL(configured string, request *http.Request) string {
	if trimmed := strings.TrimSuffix(strings.TrimSpace(configured), "/"); trimmed != "" {
		return trimmed
	}
	if request == nil {
		return "http://localhost"
	}
	if forwardedHost := firstHeaderValue(request.Header.Get("X-Forwarded-Host")); forwardedHost != "" {
		scheme := firstHeaderValue(request.Header.Get("X-Forwarded-Proto"))
		if scheme == "" {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s", strings.ToLower(scheme), forwardedHost)
	}
	host := request.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s", forwardedProto(request), host)
}

func firstHeaderValue(raw string) string {
	if index := strings.IndexByte(raw, ','); index >= 0 {
		raw = raw[:index]
	}
	return strings.TrimSpace(raw)
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "https"
	}
	if headerValue := firstHeaderValue(request.Header.Get("X-Forwarded-Proto")); headerValue != "" {
		return strings.ToLower(headerValue)
	}
	if request.TLS != nil {
		return "https"
	}
	if request.URL != nil && request.URL.Scheme != "" {
		return request.URL.Scheme
	}
	return "http"
}

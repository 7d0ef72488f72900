package web

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.no_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS allows credentialed requests from the given origins. The
// gateway's cookies are SameSite=None in this mode, so a wildcard is refused.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, originsErr := normalizeOrigins(logger, allowedOrigins)
	if originsErr != nil {
		return nil, originsErr
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Requested-With", RequestIDHeader},
		ExposeHeaders:    []string{"Content-Type", RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

func normalizeOrigins(logger *zap.Logger, allowedOrigins []string) ([]string, error) {
	origins := make([]string, 0, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, originErr := normalizeOrigin(trimmed)
		if originErr != nil {
			return nil, originErr
		}
		if strings.HasPrefix(origin, "http://") && !isLoopbackOrigin(origin) {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	slices.Sort(origins)
	return slices.Compact(origins), nil
}

// normalizeOrigin reduces raw to scheme://host[:port] and rejects anything
// carrying a path, query, or fragment.
func normalizeOrigin(raw string) (string, error) {
	if raw == "*" {
		return "", errWildcardOrigin
	}
	parsed, parseErr := url.Parse(raw)
	switch {
	case parseErr != nil || parsed.Host == "":
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return "", fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	case strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return "", fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, raw)
	}
	return parsed.Scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackOrigin(origin string) bool {
	parsed, _ := url.Parse(origin)
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

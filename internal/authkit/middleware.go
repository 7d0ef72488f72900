package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/meetgate/internal/backend"
)

// verifySessionOrReject resolves a provider-verified session for an API call.
// Refreshed cookies are replayed and applied to the inbound request; anonymous
// callers receive 401 JSON and provider outages 502.
func verifySessionOrReject(contextGin *gin.Context, sessions *SessionFactory, logger *zap.Logger) (*Session, bool) {
	jar := NewResponseCookieJar(contextGin.Request)
	accessor := sessions.ForRequest(contextGin.Request, jar)
	session, sessionErr := accessor.GetVerifiedSession(contextGin.Request.Context())
	jar.ReplayOnto(contextGin.Writer)
	if sessionErr != nil {
		status, code, message := http.StatusUnauthorized, "unauthorized", "no active session"
		if !errors.Is(sessionErr, ErrNoSession) {
			status, code, message = http.StatusBadGateway, "provider_unavailable", "identity provider is unavailable"
			logger.Warn("session verification failed",
				zap.String("code", "session.verify_failed"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.Error(sessionErr))
		}
		backend.WriteError(contextGin.Writer, status, code, message)
		contextGin.Abort()
		return nil, false
	}
	jar.ApplyToRequest(contextGin.Request)
	return session, true
}

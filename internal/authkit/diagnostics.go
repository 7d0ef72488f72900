package authkit

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/meetgate/internal/backend"
	"github.com/tyemirov/meetgate/pkg/sessionvalidator"
)

const (
	sessionClaimsContextKey = "authkit_session_claims"
	defaultAuditListLimit   = 50
	maxAuditListLimit       = 500
)

// SessionPayload is the body of the session endpoint.
type SessionPayload struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AuditEventPayload is one entry of the audit listing.
type AuditEventPayload struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	UserID     string    `json:"userId,omitempty"`
	Email      string    `json:"email,omitempty"`
	Path       string    `json:"path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// RequireSession rejects requests without a decodable, unexpired access cookie.
func (factory *SessionFactory) RequireSession() gin.HandlerFunc {
	return factory.validator.GinMiddleware(sessionClaimsContextKey)
}

func (routes *AuthRoutes) handleSession(contextGin *gin.Context) {
	value, _ := contextGin.Get(sessionClaimsContextKey)
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok || claims == nil {
		backend.WriteError(contextGin.Writer, http.StatusUnauthorized, "unauthorized", "no active session")
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, SessionPayload{
		UserID:    claims.GetUserID(),
		Email:     claims.GetUserEmail(),
		ExpiresAt: claims.GetExpiresAt(),
	})
}

func requireDiagnosticsToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		presented, found := strings.CutPrefix(header, "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
			backend.WriteError(contextGin.Writer, http.StatusUnauthorized, "unauthorized", "diagnostics token required")
			contextGin.Abort()
			return
		}
		contextGin.Next()
	}
}

func (routes *AuthRoutes) handleAudit(contextGin *gin.Context) {
	limit := defaultAuditListLimit
	if raw := contextGin.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			backend.WriteError(contextGin.Writer, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxAuditListLimit)
	}

	events, recentErr := routes.audit.Recent(contextGin.Request.Context(), limit)
	if recentErr != nil {
		routes.logger.Warn("audit listing failed", zap.String("code", "audit.recent_failed"), zap.Error(recentErr))
		backend.WriteError(contextGin.Writer, http.StatusInternalServerError, "audit_unavailable", "audit events could not be read")
		return
	}
	payload := make([]AuditEventPayload, 0, len(events))
	for _, event := range events {
		payload = append(payload, AuditEventPayload{
			ID:         event.ID,
			Action:     event.Action,
			UserID:     event.UserID,
			Email:      event.Email,
			Path:       event.Path,
			Reason:     event.Reason,
			RequestID:  event.RequestID,
			OccurredAt: event.OccurredAt,
		})
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"events": payload})
}

package authkit

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/meetgate/internal/backend"
	"github.com/tyemirov/meetgate/internal/web"
	"github.com/tyemirov/meetgate/pkg/authstate"
)

// Endpoint paths.
const (
	RPCMePath         = "/rpc/v1/auth/me"
	APIMePath         = "/api/v1/auth/me"
	RPCSignOutPath    = "/rpc/v1/auth/signout"
	APISignOutPath    = "/api/v1/auth/signout"
	RPCMagicLinkPath  = "/rpc/v1/auth/magic-link"
	RPCSessionPath    = "/rpc/v1/auth/session"
	RPCAuditPath      = "/rpc/v1/auth/audit"
	rpcResourcePrefix = "/rpc/v1/"
)

// RouteDependencies wires MountAuthRoutes.
type RouteDependencies struct {
	Configuration    ServerConfig
	Sessions         *SessionFactory
	Guard            *Guard
	Identities       backend.IdentityFetcher
	Proxy            *backend.Proxy
	Audit            AuditStore
	Metrics          MetricsRecorder
	Logger           *zap.Logger
	MagicLinkLimiter *ClientRateLimiter
}

// MePayload is the body of the identity endpoint.
type MePayload struct {
	State       authstate.State `json:"state"`
	RedirectURL string          `json:"redirectUrl"`
	User        MeUser          `json:"user"`
	Profile     MeProfile       `json:"profile"`
}

// MeUser is the user section of MePayload.
type MeUser struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	SupabaseUserID string `json:"supabaseUserId"`
	Type           string `json:"type"`
	Role           string `json:"role"`
}

// MeProfile is the profile section of MePayload.
type MeProfile struct {
	EmailVerified    bool `json:"emailVerified"`
	ProfileCompleted bool `json:"profileCompleted"`
}

// AuthRoutes holds the handlers mounted by MountAuthRoutes.
type AuthRoutes struct {
	configuration ServerConfig
	sessions      *SessionFactory
	guard         *Guard
	identities    backend.IdentityFetcher
	proxy         *backend.Proxy
	audit         AuditStore
	metrics       MetricsRecorder
	logger        *zap.Logger
	limiter       *ClientRateLimiter
	resources     map[string]bool
}

// MountAuthRoutes registers the confirmation, identity, sign-out, magic-link and
// session endpoints, plus the audit listing when a diagnostics token is set.
// Backend resource forwarding is handled by NoRouteHandler.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) *AuthRoutes {
	routes := newAuthRoutes(dependencies)
	router.GET(authstate.PathConfirm, routes.handleConfirm)
	router.GET(RPCMePath, routes.handleMe)
	router.GET(APIMePath, routes.handleMe)
	router.POST(RPCSignOutPath, routes.handleSignOut)
	router.POST(APISignOutPath, routes.handleSignOut)
	router.POST(RPCMagicLinkPath, routes.limiter.Middleware(routes.logger, routes.metrics), routes.handleMagicLink)
	router.GET(RPCSessionPath, routes.sessions.RequireSession(), routes.handleSession)
	if token := strings.TrimSpace(routes.configuration.DiagnosticsToken); token != "" {
		router.GET(RPCAuditPath, requireDiagnosticsToken(token), routes.handleAudit)
	}
	return routes
}

func newAuthRoutes(dependencies RouteDependencies) *AuthRoutes {
	routes := &AuthRoutes{
		configuration: dependencies.Configuration,
		sessions:      dependencies.Sessions,
		guard:         dependencies.Guard,
		identities:    dependencies.Identities,
		proxy:         dependencies.Proxy,
		audit:         dependencies.Audit,
		metrics:       dependencies.Metrics,
		logger:        dependencies.Logger,
		limiter:       dependencies.MagicLinkLimiter,
		resources:     make(map[string]bool),
	}
	if routes.logger == nil {
		routes.logger = zap.NewNop()
	}
	if routes.metrics == nil {
		routes.metrics = noopMetrics{}
	}
	if routes.audit == nil {
		routes.audit = NewMemoryAuditStore(0)
	}
	if routes.limiter == nil {
		routes.limiter = NewClientRateLimiter(0)
	}
	resources := dependencies.Configuration.ProxyResources
	if len(resources) == 0 {
		resources = DefaultProxyResources
	}
	for _, resource := range resources {
		routes.resources[strings.Trim(resource, "/")] = true
	}
	return routes
}

func (routes *AuthRoutes) handleConfirm(contextGin *gin.Context) {
	jar := NewResponseCookieJar(contextGin.Request)
	accessor := routes.sessions.ForRequest(contextGin.Request, jar)
	ctx := contextGin.Request.Context()
	query := contextGin.Request.URL.Query()

	redirect := func(location string) {
		jar.ReplayOnto(contextGin.Writer)
		contextGin.Redirect(guardRedirectStatus, location)
	}

	if providerError := firstNonEmpty(query.Get("error_description"), query.Get("error")); providerError != "" {
		redirect(LoginErrorLocation(providerError))
		return
	}

	if code := strings.TrimSpace(query.Get("code")); code != "" {
		session, exchangeErr := accessor.ExchangeCode(ctx, code)
		if exchangeErr != nil {
			routes.logger.Warn("code exchange failed",
				zap.String("code", "confirm.code_exchange_failed"),
				zap.Error(exchangeErr))
			routes.metrics.Increment(metricCodeExchangeFailure)
			routes.record(contextGin, AuthEvent{Action: AuditCodeExchangeFailure, Path: authstate.PathConfirm, Reason: exchangeErr.Error()})
			redirect(LoginErrorLocation(UserMessage(exchangeErr)))
			return
		}
		routes.metrics.Increment(metricCodeExchangeSuccess)
		routes.record(contextGin, AuthEvent{Action: AuditCodeExchangeSuccess, UserID: session.User.ID, Email: session.User.Email, Path: authstate.PathConfirm})
	}

	location, resolveErr := routes.guard.ResolveLanding(ctx, contextGin.Request, accessor)
	if resolveErr != nil {
		redirect(authstate.PathLogin)
		return
	}
	redirect(location)
}

func (routes *AuthRoutes) handleMe(contextGin *gin.Context) {
	if routes.identities == nil || !routes.identities.Configured() {
		routes.metrics.Increment(metricIdentityLookupFailure)
		backend.WriteError(contextGin.Writer, http.StatusInternalServerError, "config.missing_api_url", "backend API URL is not configured")
		return
	}

	session, verified := verifySessionOrReject(contextGin, routes.sessions, routes.logger)
	if !verified {
		routes.metrics.Increment(metricIdentityLookupFailure)
		return
	}

	identity, fetchErr := routes.identities.FetchIdentity(contextGin.Request.Context(), session.AccessToken)
	if fetchErr != nil {
		routes.metrics.Increment(metricIdentityLookupFailure)
		if errors.Is(fetchErr, backend.ErrUnauthorized) {
			backend.WriteError(contextGin.Writer, http.StatusUnauthorized, "unauthorized", "backend rejected the session")
			return
		}
		routes.logger.Warn("identity fetch failed",
			zap.String("code", "me.backend_failed"),
			zap.String("reason", backendFailureReason(fetchErr)),
			zap.Error(fetchErr))
		backend.WriteError(contextGin.Writer, http.StatusBadGateway, "backend_unavailable", "backend identity lookup failed")
		return
	}

	emailVerified := session.User.EmailVerified()
	currentState := authstate.Classify(emailVerified, identity.HasOnboarded)
	email := identity.Email
	if email == "" {
		email = session.User.Email
	}
	supabaseUserID := identity.SupabaseUserID
	if supabaseUserID == "" {
		supabaseUserID = session.User.ID
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, MePayload{
		State:       currentState,
		RedirectURL: authstate.RedirectFor(&currentState),
		User: MeUser{
			ID:             identity.ID,
			Email:          email,
			SupabaseUserID: supabaseUserID,
			Type:           identity.Type,
			Role:           identity.Role,
		},
		Profile: MeProfile{
			EmailVerified:    emailVerified,
			ProfileCompleted: identity.HasOnboarded,
		},
	})
}

func (routes *AuthRoutes) handleSignOut(contextGin *gin.Context) {
	jar := NewResponseCookieJar(contextGin.Request)
	accessor := routes.sessions.ForRequest(contextGin.Request, jar)
	hint := accessor.HasSessionHint()

	if signOutErr := accessor.SignOut(contextGin.Request.Context()); signOutErr != nil {
		routes.logger.Warn("provider sign-out failed",
			zap.String("code", "signout.provider_failed"),
			zap.Error(signOutErr))
	}
	routes.metrics.Increment(metricSignOut)
	routes.record(contextGin, AuthEvent{Action: AuditSignOut, UserID: hint.Claims.GetUserID(), Email: hint.Claims.GetUserEmail(), Path: contextGin.Request.URL.Path})

	jar.ReplayOnto(contextGin.Writer)
	contextGin.Redirect(http.StatusFound, authstate.PathLogin)
}

func (routes *AuthRoutes) handleMagicLink(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		backend.WriteError(contextGin.Writer, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email, valid := normalizeEmail(inbound.Email)
	if !valid {
		backend.WriteError(contextGin.Writer, http.StatusBadRequest, "invalid_email", "a valid email address is required")
		return
	}

	redirectTo := web.ResolveSiteURL(routes.configuration.SiteURL, contextGin.Request) + authstate.PathConfirm
	accessor := routes.sessions.Detached()
	if sendErr := accessor.SendMagicLink(contextGin.Request.Context(), email, redirectTo); sendErr != nil {
		routes.logger.Warn("magic link request failed",
			zap.String("code", "magic_link.failed"),
			zap.Error(sendErr))
		routes.metrics.Increment(metricMagicLinkFailure)
		routes.record(contextGin, AuthEvent{Action: AuditMagicLinkFailure, Email: email, Reason: sendErr.Error()})
		status := http.StatusBadGateway
		if errors.Is(sendErr, ErrProviderRejected) {
			status = http.StatusBadRequest
		}
		backend.WriteError(contextGin.Writer, status, "magic_link_failed", UserMessage(sendErr))
		return
	}
	routes.metrics.Increment(metricMagicLinkSent)
	routes.record(contextGin, AuthEvent{Action: AuditMagicLinkSent, Email: email})
	contextGin.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// NoRouteHandler forwards /rpc/v1/<resource>/... to the backend for the
// configured resources and hands every other unmatched request to fallback.
func (routes *AuthRoutes) NoRouteHandler(fallback gin.HandlerFunc) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		upstreamPath, isResource := routes.backendResourcePath(contextGin.Request.URL.Path)
		if !isResource {
			if fallback != nil {
				fallback(contextGin)
				return
			}
			backend.WriteError(contextGin.Writer, http.StatusNotFound, "not_found", "no route matches the request")
			return
		}
		if !routes.proxy.Configured() {
			backend.WriteError(contextGin.Writer, http.StatusInternalServerError, "config.missing_api_url", "backend API URL is not configured")
			return
		}
		session, verified := verifySessionOrReject(contextGin, routes.sessions, routes.logger)
		if !verified {
			return
		}
		routes.proxy.Forward(contextGin.Writer, contextGin.Request, upstreamPath, session.AccessToken)
	}
}

func (routes *AuthRoutes) backendResourcePath(requestPath string) (string, bool) {
	if !strings.HasPrefix(requestPath, rpcResourcePrefix) {
		return "", false
	}
	remainder := strings.TrimPrefix(requestPath, rpcResourcePrefix)
	resource := remainder
	if index := strings.IndexByte(remainder, '/'); index >= 0 {
		resource = remainder[:index]
	}
	if !routes.resources[resource] {
		return "", false
	}
	return "/" + strings.TrimSuffix(remainder, "/"), true
}

func (routes *AuthRoutes) record(contextGin *gin.Context, event AuthEvent) {
	if event.RequestID == "" {
		event.RequestID = web.RequestIDFromContext(contextGin.Request.Context())
	}
	if appendErr := routes.audit.Append(contextGin.Request.Context(), event); appendErr != nil {
		routes.logger.Error("audit append failed",
			zap.String("code", "audit.append_failed"),
			zap.String("action", event.Action),
			zap.Error(appendErr))
	}
}

func normalizeEmail(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	parsed, parseErr := mail.ParseAddress(trimmed)
	if parseErr != nil || parsed.Address != trimmed || !strings.Contains(parsed.Address[strings.LastIndex(parsed.Address, "@")+1:], ".") {
		return "", false
	}
	return strings.ToLower(parsed.Address), true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

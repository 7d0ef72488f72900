package authkit

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/meetgate/internal/backend"
	"github.com/tyemirov/meetgate/internal/web"
	"github.com/tyemirov/meetgate/pkg/authstate"
)

// guardRedirectStatus preserves the request method across guard redirects.
const guardRedirectStatus = http.StatusTemporaryRedirect

// OutcomeKind is the guard's decision for one request.
type OutcomeKind int

const (
	// OutcomePass lets the request continue.
	OutcomePass OutcomeKind = iota
	// OutcomeRedirect sends the browser to Outcome.Location.
	OutcomeRedirect
)

// Outcome is the result of Guard.Evaluate.
type Outcome struct {
	Kind     OutcomeKind
	Location string
	Reason   string
}

// Guard reasons.
const (
	ReasonExcluded            = "excluded"
	ReasonCodeExchanged       = "code_exchanged"
	ReasonCodeExchangeFailed  = "code_exchange_failed"
	ReasonPublic              = "public"
	ReasonAnonymousProtected  = "anonymous_protected"
	ReasonSessionOnPreAuth    = "session_on_preauth"
	ReasonUnverifiedOnPreAuth = "unverified_on_preauth"
	ReasonPassThrough         = "pass_through"
)

// GuardDependencies wires the guard.
type GuardDependencies struct {
	Routes     RouteTable
	Sessions   *SessionFactory
	Identities backend.IdentityFetcher
	Logger     *zap.Logger
	Metrics    MetricsRecorder
	Audit      AuditStore
}

// Guard decides, per navigation, whether to pass or redirect.
type Guard struct {
	routes     RouteTable
	sessions   *SessionFactory
	identities backend.IdentityFetcher
	logger     *zap.Logger
	metrics    MetricsRecorder
	audit      AuditStore
}

// NewGuard constructs a Guard. Nil logger, metrics, and audit are replaced with no-ops.
func NewGuard(dependencies GuardDependencies) *Guard {
	guard := &Guard{
		routes:     dependencies.Routes,
		sessions:   dependencies.Sessions,
		identities: dependencies.Identities,
		logger:     dependencies.Logger,
		metrics:    dependencies.Metrics,
		audit:      dependencies.Audit,
	}
	if guard.logger == nil {
		guard.logger = zap.NewNop()
	}
	if guard.metrics == nil {
		guard.metrics = noopMetrics{}
	}
	if guard.audit == nil {
		guard.audit = NewMemoryAuditStore(0)
	}
	return guard
}

// Evaluate runs the guard state machine for request using accessor.
func (guard *Guard) Evaluate(ctx context.Context, request *http.Request, accessor *SessionAccessor) Outcome {
	requestPath := request.URL.Path
	if guard.routes.IsExcluded(requestPath) {
		return Outcome{Kind: OutcomePass, Reason: ReasonExcluded}
	}

	if code := strings.TrimSpace(request.URL.Query().Get("code")); code != "" && !guard.routes.IsConfirm(requestPath) {
		return guard.exchangeCode(ctx, request, accessor, code)
	}

	if guard.routes.IsPublic(requestPath) {
		return Outcome{Kind: OutcomePass, Reason: ReasonPublic}
	}

	if refreshErr := accessor.RefreshIfStale(ctx); refreshErr != nil && !errors.Is(refreshErr, ErrNoSession) {
		guard.logger.Warn("session refresh failed",
			zap.String("code", "guard.refresh_failed"),
			zap.String("path", requestPath),
			zap.Error(refreshErr))
	}

	hint := accessor.HasSessionHint()
	if !hint.Present && guard.routes.IsProtected(requestPath) {
		return Outcome{Kind: OutcomeRedirect, Location: authstate.PathLogin, Reason: ReasonAnonymousProtected}
	}

	if hint.Present && guard.routes.IsPreAuth(requestPath) {
		location, resolveErr := guard.ResolveLanding(ctx, request, accessor)
		if resolveErr != nil {
			return Outcome{Kind: OutcomePass, Reason: ReasonUnverifiedOnPreAuth}
		}
		return Outcome{Kind: OutcomeRedirect, Location: location, Reason: ReasonSessionOnPreAuth}
	}

	return Outcome{Kind: OutcomePass, Reason: ReasonPassThrough}
}

// ResolveLanding verifies the session, fetches the backend identity, and
// returns the state's landing path. It returns ErrNoSession when the request
// has no verifiable session. Every other failure lands on the onboarding page.
func (guard *Guard) ResolveLanding(ctx context.Context, request *http.Request, accessor *SessionAccessor) (string, error) {
	session, sessionErr := accessor.GetVerifiedSession(ctx)
	if sessionErr != nil {
		if errors.Is(sessionErr, ErrNoSession) {
			return "", sessionErr
		}
		guard.fallback(ctx, request, "", "provider_unavailable", sessionErr)
		return authstate.PathOnboardingProfile, nil
	}

	identity, fetchErr := guard.identities.FetchIdentity(ctx, session.AccessToken)
	if fetchErr != nil {
		guard.fallback(ctx, request, session.User.ID, backendFailureReason(fetchErr), fetchErr)
		return authstate.PathOnboardingProfile, nil
	}

	landingState := authstate.Classify(session.User.EmailVerified(), identity.HasOnboarded)
	return authstate.RedirectFor(&landingState), nil
}

func (guard *Guard) exchangeCode(ctx context.Context, request *http.Request, accessor *SessionAccessor, code string) Outcome {
	session, exchangeErr := accessor.ExchangeCode(ctx, code)
	if exchangeErr != nil {
		guard.logger.Warn("code exchange failed",
			zap.String("code", "guard.code_exchange_failed"),
			zap.String("path", request.URL.Path),
			zap.Error(exchangeErr))
		guard.metrics.Increment(metricCodeExchangeFailure)
		guard.record(ctx, AuthEvent{Action: AuditCodeExchangeFailure, Path: request.URL.Path, Reason: exchangeErr.Error()})
		return Outcome{Kind: OutcomeRedirect, Location: LoginErrorLocation(UserMessage(exchangeErr)), Reason: ReasonCodeExchangeFailed}
	}
	guard.metrics.Increment(metricCodeExchangeSuccess)
	guard.record(ctx, AuthEvent{Action: AuditCodeExchangeSuccess, UserID: session.User.ID, Email: session.User.Email, Path: request.URL.Path})

	remaining := request.URL.Query()
	remaining.Del("code")
	location := authstate.PathConfirm
	if encoded := remaining.Encode(); encoded != "" {
		location += "?" + encoded
	}
	return Outcome{Kind: OutcomeRedirect, Location: location, Reason: ReasonCodeExchanged}
}

func (guard *Guard) fallback(ctx context.Context, request *http.Request, userID string, reason string, cause error) {
	guard.logger.Warn("identity resolution failed, using onboarding fallback",
		zap.String("code", "guard.backend_fallback"),
		zap.String("reason", reason),
		zap.String("path", request.URL.Path),
		zap.Error(cause))
	guard.metrics.Increment(metricGuardBackendFallback)
	guard.record(ctx, AuthEvent{Action: AuditGuardFallback, UserID: userID, Path: request.URL.Path, Reason: reason})
}

func (guard *Guard) record(ctx context.Context, event AuthEvent) {
	if event.RequestID == "" {
		event.RequestID = web.RequestIDFromContext(ctx)
	}
	if appendErr := guard.audit.Append(ctx, event); appendErr != nil {
		guard.logger.Error("audit append failed",
			zap.String("code", "audit.append_failed"),
			zap.String("action", event.Action),
			zap.Error(appendErr))
	}
}

func (guard *Guard) observe(outcome Outcome) {
	switch {
	case outcome.Kind == OutcomePass:
		guard.metrics.Increment(metricGuardPass)
	case outcome.Location == authstate.PathLogin:
		guard.metrics.Increment(metricGuardRedirectLogin)
	default:
		guard.metrics.Increment(metricGuardRedirectLanding)
	}
}

// Middleware is the gin transport hook.
func (guard *Guard) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if guard.routes.IsExcluded(contextGin.Request.URL.Path) {
			contextGin.Next()
			return
		}
		jar := NewResponseCookieJar(contextGin.Request)
		accessor := guard.sessions.ForRequest(contextGin.Request, jar)
		outcome := guard.Evaluate(contextGin.Request.Context(), contextGin.Request, accessor)
		guard.observe(outcome)
		jar.ReplayOnto(contextGin.Writer)
		if outcome.Kind == OutcomeRedirect {
			contextGin.Redirect(guardRedirectStatus, outcome.Location)
			contextGin.Abort()
			return
		}
		jar.ApplyToRequest(contextGin.Request)
		contextGin.Next()
	}
}

// Handler is the net/http transport hook.
func (guard *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if guard.routes.IsExcluded(request.URL.Path) {
			next.ServeHTTP(writer, request)
			return
		}
		jar := NewResponseCookieJar(request)
		accessor := guard.sessions.ForRequest(request, jar)
		outcome := guard.Evaluate(request.Context(), request, accessor)
		guard.observe(outcome)
		jar.ReplayOnto(writer)
		if outcome.Kind == OutcomeRedirect {
			http.Redirect(writer, request, outcome.Location, guardRedirectStatus)
			return
		}
		jar.ApplyToRequest(request)
		next.ServeHTTP(writer, request)
	})
}

// LoginErrorLocation builds /login?error=<message>.
func LoginErrorLocation(message string) string {
	if strings.TrimSpace(message) == "" {
		return authstate.PathLogin
	}
	return authstate.PathLogin + "?" + url.Values{"error": []string{message}}.Encode()
}

func backendFailureReason(err error) string {
	switch {
	case errors.Is(err, backend.ErrNotConfigured):
		return "backend_not_configured"
	case errors.Is(err, backend.ErrUnauthorized):
		return "backend_unauthorized"
	case errors.Is(err, backend.ErrTimeout):
		return "backend_timeout"
	default:
		return "backend_error"
	}
}

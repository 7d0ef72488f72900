package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
//
// SigningKey is the identity provider's JWT secret. When it is empty the
// validator only decodes the token and checks its time claims, which is enough
// to answer "does this browser carry a session" but not to trust the subject.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
	Leeway     time.Duration
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "session_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_access"

// Sentinel errors exposed by the validator.
var (
	ErrMissingToken   = errors.New("session.validator.missing_token")
	ErrMissingCookie  = errors.New("session.validator.missing_cookie")
	ErrInvalidToken   = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer  = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired   = errors.New("session.validator.expired")
	ErrMissingSubject = errors.New("session.validator.missing_subject")
)

// Validator decodes identity provider access tokens carried in cookies.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
	leeway     time.Duration
}

// Claims represent the identity provider access token payload.
type Claims struct {
	Email       string `json:"email"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id"`
	IsAnonymous bool   `json:"is_anonymous"`
	jwt.RegisteredClaims
}

// GetUserID returns the provider user identifier (the token subject).
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the session.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator. Every field is optional.
func New(configuration Config) *Validator {
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     strings.TrimSpace(configuration.Issuer),
		cookieName: cookieName,
		clock:      clock,
		leeway:     configuration.Leeway,
	}
}

// Verifies reports whether token signatures are checked.
func (validator *Validator) Verifies() bool {
	return len(validator.signingKey) > 0
}

// ValidateToken decodes tokenString and checks its time and issuer claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if validator.Verifies() {
		parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
			return validator.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	} else {
		parser := jwt.NewParser()
		if _, _, parseErr := parser.ParseUnverified(tokenString, claims); parseErr != nil {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingSubject)
	}
	if validator.issuer != "" && claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt != nil && current.After(claims.ExpiresAt.Time.Add(validator.leeway)) {
		return claims, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Add(validator.leeway).Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the configured cookie from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateToken(cookie.Value)
}

// GinMiddleware returns a Gin middleware that rejects requests without a
// decodable, unexpired access token and injects the claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

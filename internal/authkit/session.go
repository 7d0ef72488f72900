package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/meetgate/pkg/sessionvalidator"
)

// Session is a provider-verified session.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         ProviderUser
}

// SessionHint is the cookie-only view of a request's session.
type SessionHint struct {
	// Present is true when a decodable unexpired access token or a refresh token exists.
	Present bool
	// Stale is true when the access token is missing or expired but a refresh token exists.
	Stale  bool
	Claims *sessionvalidator.Claims
}

// SessionFactory builds request-scoped accessors.
type SessionFactory struct {
	provider  IdentityProvider
	validator *sessionvalidator.Validator
	settings  cookieSettings
	clock     func() time.Time
}

// NewSessionFactory wires the provider client and token decoder.
func NewSessionFactory(configuration ServerConfig, provider IdentityProvider) *SessionFactory {
	settings := configuration.cookieSettings()
	return &SessionFactory{
		provider: provider,
		validator: sessionvalidator.New(sessionvalidator.Config{
			SigningKey: configuration.IdentityProviderJWTSecret,
			CookieName: settings.accessName,
		}),
		settings: settings,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// ForRequest binds an accessor to request and jar. A nil request or jar
// degrades to a no-op jar.
func (factory *SessionFactory) ForRequest(request *http.Request, jar CookieStore) *SessionAccessor {
	if request == nil || jar == nil {
		return factory.Detached()
	}
	return &SessionAccessor{factory: factory, jar: jar}
}

// Detached returns an accessor that reads no cookies and writes none.
func (factory *SessionFactory) Detached() *SessionAccessor {
	return &SessionAccessor{factory: factory, jar: NoopCookieJar{}}
}

// SessionAccessor reads and mutates one request's session cookies.
type SessionAccessor struct {
	factory *SessionFactory
	jar     CookieStore
}

// HasSessionHint inspects cookies only. It never calls the provider.
func (accessor *SessionAccessor) HasSessionHint() SessionHint {
	accessToken, hasAccess := accessor.cookie(accessor.factory.settings.accessName)
	_, hasRefresh := accessor.cookie(accessor.factory.settings.refreshName)

	hint := SessionHint{}
	if hasAccess {
		claims, validateErr := accessor.factory.validator.ValidateToken(accessToken)
		switch {
		case validateErr == nil:
			hint.Present = true
			hint.Claims = claims
		case errors.Is(validateErr, sessionvalidator.ErrTokenExpired):
			hint.Claims = claims
		}
	}
	if !hint.Present && hasRefresh {
		hint.Present = true
		hint.Stale = true
	}
	return hint
}

// RefreshIfStale rotates tokens when the hint is stale. A rejected refresh
// token clears both cookies and yields ErrNoSession.
func (accessor *SessionAccessor) RefreshIfStale(ctx context.Context) error {
	if !accessor.HasSessionHint().Stale {
		return nil
	}
	_, refreshErr := accessor.refresh(ctx)
	return refreshErr
}

// GetVerifiedSession asks the provider to confirm the session, refreshing once
// when the access token is missing or rejected.
func (accessor *SessionAccessor) GetVerifiedSession(ctx context.Context) (*Session, error) {
	accessToken, hasAccess := accessor.cookie(accessor.factory.settings.accessName)
	refreshToken, hasRefresh := accessor.cookie(accessor.factory.settings.refreshName)
	if !hasAccess && !hasRefresh {
		return nil, fmt.Errorf("session.get_verified: %w", ErrNoSession)
	}
	if accessor.factory.provider == nil {
		return nil, fmt.Errorf("session.get_verified: %w", ErrProviderNotConfigured)
	}

	if hasAccess {
		user, userErr := accessor.factory.provider.GetUser(ctx, accessToken)
		if userErr == nil {
			return &Session{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				ExpiresAt:    accessor.accessExpiry(accessToken),
				User:         user,
			}, nil
		}
		if !errors.Is(userErr, ErrProviderRejected) {
			return nil, fmt.Errorf("session.get_verified: %w", userErr)
		}
		if !hasRefresh {
			accessor.clearSession()
			return nil, fmt.Errorf("session.get_verified: %w", ErrNoSession)
		}
	}

	session, refreshErr := accessor.refresh(ctx)
	if refreshErr != nil {
		return nil, fmt.Errorf("session.get_verified: %w", refreshErr)
	}
	if strings.TrimSpace(session.User.ID) != "" {
		return session, nil
	}
	user, userErr := accessor.factory.provider.GetUser(ctx, session.AccessToken)
	if userErr != nil {
		if errors.Is(userErr, ErrProviderRejected) {
			accessor.clearSession()
			return nil, fmt.Errorf("session.get_verified: %w", ErrNoSession)
		}
		return nil, fmt.Errorf("session.get_verified: %w", userErr)
	}
	session.User = user
	return session, nil
}

// ExchangeCode trades a one-time login code for a session and queues its cookies.
func (accessor *SessionAccessor) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("session.exchange_code: %w", ErrMissingCode)
	}
	if accessor.factory.provider == nil {
		return nil, fmt.Errorf("session.exchange_code: %w", ErrProviderNotConfigured)
	}
	codeVerifier, _ := accessor.cookie(accessor.factory.settings.verifierName)
	issued, exchangeErr := accessor.factory.provider.ExchangeCode(ctx, code, codeVerifier)
	if exchangeErr != nil {
		return nil, fmt.Errorf("session.exchange_code: %w", exchangeErr)
	}
	if codeVerifier != "" {
		accessor.jar.Set(accessor.factory.settings.deletion(accessor.factory.settings.verifierName))
	}
	return accessor.persist(issued), nil
}

// SignOut revokes the provider session when possible and always clears cookies.
func (accessor *SessionAccessor) SignOut(ctx context.Context) error {
	accessToken, hasAccess := accessor.cookie(accessor.factory.settings.accessName)
	var signOutErr error
	if hasAccess && accessor.factory.provider != nil {
		if err := accessor.factory.provider.SignOut(ctx, accessToken); err != nil && !errors.Is(err, ErrProviderRejected) {
			signOutErr = fmt.Errorf("session.sign_out: %w", err)
		}
	}
	accessor.clearSession()
	return signOutErr
}

// SendMagicLink requests a one-time login email. It writes no cookies.
func (accessor *SessionAccessor) SendMagicLink(ctx context.Context, email string, redirectTo string) error {
	if accessor.factory.provider == nil {
		return fmt.Errorf("session.send_magic_link: %w", ErrProviderNotConfigured)
	}
	if err := accessor.factory.provider.SendMagicLink(ctx, email, redirectTo); err != nil {
		return fmt.Errorf("session.send_magic_link: %w", err)
	}
	return nil
}

func (accessor *SessionAccessor) refresh(ctx context.Context) (*Session, error) {
	refreshToken, hasRefresh := accessor.cookie(accessor.factory.settings.refreshName)
	if !hasRefresh {
		return nil, ErrNoSession
	}
	if accessor.factory.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	issued, refreshErr := accessor.factory.provider.RefreshSession(ctx, refreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrProviderRejected) {
			accessor.clearSession()
			return nil, fmt.Errorf("%w: %v", ErrNoSession, refreshErr)
		}
		return nil, refreshErr
	}
	return accessor.persist(issued), nil
}

func (accessor *SessionAccessor) persist(issued ProviderSession) *Session {
	now := accessor.factory.clock()
	expiresAt := now.Add(defaultAccessTTL)
	switch {
	case issued.ExpiresAt > 0:
		expiresAt = time.Unix(issued.ExpiresAt, 0).UTC()
	case issued.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(issued.ExpiresIn) * time.Second)
	}
	settings := accessor.factory.settings
	accessor.jar.Set(settings.accessCookie(issued.AccessToken, expiresAt))
	if issued.RefreshToken != "" {
		accessor.jar.Set(settings.refreshCookie(issued.RefreshToken, now.Add(settings.refreshTTL)))
	}
	return &Session{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         issued.User,
	}
}

func (accessor *SessionAccessor) clearSession() {
	accessor.jar.Set(accessor.factory.settings.deletion(accessor.factory.settings.accessName))
	accessor.jar.Set(accessor.factory.settings.deletion(accessor.factory.settings.refreshName))
}

func (accessor *SessionAccessor) cookie(name string) (string, bool) {
	value, present := accessor.jar.Get(name)
	if !present || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func (accessor *SessionAccessor) accessExpiry(accessToken string) time.Time {
	claims, _ := accessor.factory.validator.ValidateToken(accessToken)
	return claims.GetExpiresAt()
}

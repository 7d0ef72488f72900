package authkit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tyemirov/meetgate/internal/backend"
	"github.com/tyemirov/meetgate/pkg/sessionvalidator"
)

var testSigningKey = []byte("provider-jwt-secret")

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		IdentityProviderURL:       "https://auth.example.com/auth/v1",
		IdentityProviderJWTSecret: testSigningKey,
		SiteURL:                   "https://meet.example.com",
		AccessCookieName:          DefaultAccessCookieName,
		RefreshCookieName:         DefaultRefreshCookieName,
		SameSiteMode:              http.SameSiteLaxMode,
		Routes:                    DefaultRouteTable(),
	}
}

func mintAccessToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		Email: subject + "@example.com",
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func confirmedUser(id string) ProviderUser {
	confirmedAt := time.Unix(1700000000, 0).UTC()
	return ProviderUser{ID: id, Email: id + "@example.com", EmailConfirmedAt: &confirmedAt}
}

type fakeProvider struct {
	mutex sync.Mutex

	users         map[string]ProviderUser
	refreshGrants map[string]ProviderSession
	codes         map[string]ProviderSession
	getUserErr    error
	refreshErr    error
	magicLinkErr  error

	getUserCalls   int
	refreshCalls   int
	exchangeCalls  int
	signOutCalls   int
	magicLinks     []string
	lastVerifier   string
	lastRedirectTo string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:         make(map[string]ProviderUser),
		refreshGrants: make(map[string]ProviderSession),
		codes:         make(map[string]ProviderSession),
	}
}

func (provider *fakeProvider) ExchangeCode(_ context.Context, code string, codeVerifier string) (ProviderSession, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.exchangeCalls++
	provider.lastVerifier = codeVerifier
	issued, ok := provider.codes[code]
	if !ok {
		return ProviderSession{}, &ProviderError{Operation: "exchange_code", Status: http.StatusBadRequest, Message: "invalid flow state", Err: ErrProviderRejected}
	}
	delete(provider.codes, code)
	return issued, nil
}

func (provider *fakeProvider) RefreshSession(_ context.Context, refreshToken string) (ProviderSession, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.refreshCalls++
	if provider.refreshErr != nil {
		return ProviderSession{}, provider.refreshErr
	}
	issued, ok := provider.refreshGrants[refreshToken]
	if !ok {
		return ProviderSession{}, &ProviderError{Operation: "refresh_session", Status: http.StatusBadRequest, Err: ErrProviderRejected}
	}
	return issued, nil
}

func (provider *fakeProvider) GetUser(_ context.Context, accessToken string) (ProviderUser, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.getUserCalls++
	if provider.getUserErr != nil {
		return ProviderUser{}, provider.getUserErr
	}
	user, ok := provider.users[accessToken]
	if !ok {
		return ProviderUser{}, &ProviderError{Operation: "get_user", Status: http.StatusUnauthorized, Err: ErrProviderRejected}
	}
	return user, nil
}

func (provider *fakeProvider) SignOut(context.Context, string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.signOutCalls++
	return nil
}

func (provider *fakeProvider) SendMagicLink(_ context.Context, email string, redirectTo string) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.magicLinkErr != nil {
		return provider.magicLinkErr
	}
	provider.magicLinks = append(provider.magicLinks, email)
	provider.lastRedirectTo = redirectTo
	return nil
}

type fakeIdentities struct {
	mutex      sync.Mutex
	configured bool
	identities map[string]backend.Identity
	err        error
	calls      int
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{configured: true, identities: make(map[string]backend.Identity)}
}

func (fetcher *fakeIdentities) FetchIdentity(_ context.Context, accessToken string) (backend.Identity, error) {
	fetcher.mutex.Lock()
	defer fetcher.mutex.Unlock()
	fetcher.calls++
	if !fetcher.configured {
		return backend.Identity{}, backend.ErrNotConfigured
	}
	if fetcher.err != nil {
		return backend.Identity{}, fetcher.err
	}
	identity, ok := fetcher.identities[accessToken]
	if !ok {
		return backend.Identity{}, backend.ErrUnauthorized
	}
	return identity, nil
}

func (fetcher *fakeIdentities) Configured() bool {
	return fetcher.configured
}

func (fetcher *fakeIdentities) callCount() int {
	fetcher.mutex.Lock()
	defer fetcher.mutex.Unlock()
	return fetcher.calls
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	var found *http.Cookie
	for _, cookie := range cookies {
		if cookie.Name == name {
			found = cookie
		}
	}
	return found
}

func testNow() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

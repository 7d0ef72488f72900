package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultProviderTimeout = 10 * time.Second
	maxProviderErrorBody   = 4096
)

// ProviderUser is the identity provider's user record.
type ProviderUser struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
}

// EmailVerified reports whether the provider has confirmed the user's email.
func (user ProviderUser) EmailVerified() bool {
	if user.EmailConfirmedAt != nil && !user.EmailConfirmedAt.IsZero() {
		return true
	}
	return user.ConfirmedAt != nil && !user.ConfirmedAt.IsZero()
}

// ProviderSession is a token pair issued by the identity provider.
type ProviderSession struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         ProviderUser `json:"user"`
}

// IdentityProvider is the subset of the hosted auth API used by the gateway.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string, codeVerifier string) (ProviderSession, error)
	RefreshSession(ctx context.Context, refreshToken string) (ProviderSession, error)
	GetUser(ctx context.Context, accessToken string) (ProviderUser, error)
	SignOut(ctx context.Context, accessToken string) error
	SendMagicLink(ctx context.Context, email string, redirectTo string) error
}

// HTTPIdentityProvider talks to a GoTrue-compatible auth API.
type HTTPIdentityProvider struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// NewHTTPIdentityProvider constructs a provider client rooted at baseURL (for
// example https://project.supabase.co/auth/v1).
func NewHTTPIdentityProvider(baseURL string, anonKey string, httpClient *http.Client) (*HTTPIdentityProvider, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("provider.new: %w", ErrProviderNotConfigured)
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("provider.new: invalid base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPIdentityProvider{
		baseURL:    trimmed,
		anonKey:    anonKey,
		httpClient: httpClient,
	}, nil
}

// ExchangeCode trades a one-time login code and its PKCE verifier for a session.
func (provider *HTTPIdentityProvider) ExchangeCode(ctx context.Context, code string, codeVerifier string) (ProviderSession, error) {
	if strings.TrimSpace(code) == "" {
		return ProviderSession{}, fmt.Errorf("provider.exchange_code: %w", ErrMissingCode)
	}
	var session ProviderSession
	requestBody := map[string]string{"auth_code": code, "code_verifier": codeVerifier}
	if err := provider.do(ctx, "exchange_code", http.MethodPost, "/token?grant_type=pkce", "", requestBody, &session); err != nil {
		return ProviderSession{}, err
	}
	return session, nil
}

// RefreshSession rotates the token pair.
func (provider *HTTPIdentityProvider) RefreshSession(ctx context.Context, refreshToken string) (ProviderSession, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return ProviderSession{}, fmt.Errorf("provider.refresh_session: %w", ErrNoSession)
	}
	var session ProviderSession
	requestBody := map[string]string{"refresh_token": refreshToken}
	if err := provider.do(ctx, "refresh_session", http.MethodPost, "/token?grant_type=refresh_token", "", requestBody, &session); err != nil {
		return ProviderSession{}, err
	}
	return session, nil
}

// GetUser validates accessToken with the provider and returns its user.
func (provider *HTTPIdentityProvider) GetUser(ctx context.Context, accessToken string) (ProviderUser, error) {
	if strings.TrimSpace(accessToken) == "" {
		return ProviderUser{}, fmt.Errorf("provider.get_user: %w", ErrNoSession)
	}
	var user ProviderUser
	if err := provider.do(ctx, "get_user", http.MethodGet, "/user", accessToken, nil, &user); err != nil {
		return ProviderUser{}, err
	}
	return user, nil
}

// SignOut revokes the session behind accessToken.
func (provider *HTTPIdentityProvider) SignOut(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return nil
	}
	return provider.do(ctx, "sign_out", http.MethodPost, "/logout", accessToken, nil, nil)
}

// SendMagicLink asks the provider to email a one-time login link.
func (provider *HTTPIdentityProvider) SendMagicLink(ctx context.Context, email string, redirectTo string) error {
	requestBody := map[string]any{
		"email":       email,
		"create_user": true,
	}
	path := "/otp"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return provider.do(ctx, "send_magic_link", http.MethodPost, path, "", requestBody, nil)
}

func (provider *HTTPIdentityProvider) do(ctx context.Context, operation string, method string, path string, bearer string, requestBody any, target any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, encodeErr := json.Marshal(requestBody)
		if encodeErr != nil {
			return fmt.Errorf("provider.%s: encode: %w", operation, encodeErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, provider.baseURL+path, bodyReader)
	if requestErr != nil {
		return fmt.Errorf("provider.%s: %w: %v", operation, ErrProviderUnavailable, requestErr)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if provider.anonKey != "" {
		request.Header.Set("apikey", provider.anonKey)
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, doErr := provider.httpClient.Do(request)
	if doErr != nil {
		return &ProviderError{Operation: operation, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, doErr)}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return classifyProviderFailure(operation, response)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(target); decodeErr != nil {
		return &ProviderError{Operation: operation, Status: response.StatusCode, Err: fmt.Errorf("%w: decode: %v", ErrProviderUnavailable, decodeErr)}
	}
	return nil
}

type providerErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
	AltMessage       string `json:"message"`
}

func (body providerErrorBody) text() string {
	for _, candidate := range []string{body.ErrorDescription, body.Message, body.AltMessage, body.Error} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

func classifyProviderFailure(operation string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxProviderErrorBody))
	var body providerErrorBody
	_ = json.Unmarshal(raw, &body)

	sentinel := ErrProviderUnavailable
	if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
		sentinel = ErrProviderRejected
	}
	return &ProviderError{
		Operation: operation,
		Status:    response.StatusCode,
		Message:   body.text(),
		Err:       sentinel,
	}
}

// IsProviderRejection reports whether err means the provider refused the credentials.
func IsProviderRejection(err error) bool {
	return errors.Is(err, ErrProviderRejected) || errors.Is(err, ErrNoSession)
}

package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures the identity provider, cookies, and route classes.
type ServerConfig struct {
	IdentityProviderURL       string
	IdentityProviderAnonKey   string
	IdentityProviderJWTSecret []byte
	SiteURL                   string
	CookieDomain              string
	AccessCookieName          string
	RefreshCookieName         string
	CodeVerifierCookieName    string
	RefreshTTL                time.Duration
	SameSiteMode              http.SameSite
	AllowInsecureHTTP         bool
	Routes                    RouteTable
	ProxyResources            []string
	// DiagnosticsToken enables the audit listing when non-empty.
	DiagnosticsToken          string
}

// Default cookie names and lifetimes.
const (
	DefaultAccessCookieName  = "app_access"
	DefaultRefreshCookieName = "app_refresh"
	DefaultVerifierCookie    = "app_code_verifier"
	DefaultRefreshTTL        = 30 * 24 * time.Hour
	defaultAccessTTL         = time.Hour
)

// DefaultProxyResources lists the backend collections forwarded under /rpc/v1.
var DefaultProxyResources = []string{"activities", "participants", "messages", "notifications", "billing", "profile", "users"}

func (configuration ServerConfig) cookieSettings() cookieSettings {
	settings := cookieSettings{
		accessName:   configuration.AccessCookieName,
		refreshName:  configuration.RefreshCookieName,
		verifierName: configuration.CodeVerifierCookieName,
		domain:       configuration.CookieDomain,
		sameSite:     configuration.SameSiteMode,
		secure:       !configuration.AllowInsecureHTTP,
		refreshTTL:   configuration.RefreshTTL,
	}
	if settings.accessName == "" {
		settings.accessName = DefaultAccessCookieName
	}
	if settings.refreshName == "" {
		settings.refreshName = DefaultRefreshCookieName
	}
	if settings.verifierName == "" {
		settings.verifierName = DefaultVerifierCookie
	}
	if settings.sameSite == 0 {
		settings.sameSite = http.SameSiteLaxMode
	}
	if settings.refreshTTL <= 0 {
		settings.refreshTTL = DefaultRefreshTTL
	}
	return settings
}

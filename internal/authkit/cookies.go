package authkit

import (
	"net/http"
	"strings"
	"time"
)

// CookieStore reads and writes cookies for one request scope.
type CookieStore interface {
	Get(name string) (string, bool)
	Set(cookie *http.Cookie)
}

// NoopCookieJar reads nothing and discards writes.
type NoopCookieJar struct{}

// Get always reports a missing cookie.
func (NoopCookieJar) Get(string) (string, bool) {
	return "", false
}

// Set discards the cookie.
func (NoopCookieJar) Set(*http.Cookie) {}

// ResponseCookieJar captures cookie mutations made while handling a request so
// that they can be replayed onto whatever response ends up being written.
// Reads see the inbound cookies overlaid with pending writes. A jar belongs to
// a single request and is not safe for concurrent use.
type ResponseCookieJar struct {
	request *http.Request
	pending []*http.Cookie
}

// NewResponseCookieJar binds a jar to request. A nil request yields a jar
// with no inbound cookies.
func NewResponseCookieJar(request *http.Request) *ResponseCookieJar {
	return &ResponseCookieJar{request: request}
}

// Get returns the effective value of the named cookie.
func (jar *ResponseCookieJar) Get(name string) (string, bool) {
	if pendingCookie := jar.lookupPending(name); pendingCookie != nil {
		if isDeletion(pendingCookie) {
			return "", false
		}
		return pendingCookie.Value, true
	}
	if jar.request == nil {
		return "", false
	}
	inbound, cookieErr := jar.request.Cookie(name)
	if cookieErr != nil || inbound == nil {
		return "", false
	}
	return inbound.Value, true
}

// Set queues cookie for replay.
func (jar *ResponseCookieJar) Set(cookie *http.Cookie) {
	jar.Capture(cookie)
}

// Capture queues cookie, replacing an earlier capture with the same name, path, and domain.
func (jar *ResponseCookieJar) Capture(cookie *http.Cookie) {
	if cookie == nil || strings.TrimSpace(cookie.Name) == "" {
		return
	}
	clone := *cookie
	for index, existing := range jar.pending {
		if sameCookieSlot(existing, &clone) {
			jar.pending[index] = &clone
			return
		}
	}
	jar.pending = append(jar.pending, &clone)
}

// Pending returns copies of the queued cookies in capture order.
func (jar *ResponseCookieJar) Pending() []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(jar.pending))
	for _, pendingCookie := range jar.pending {
		clone := *pendingCookie
		cookies = append(cookies, &clone)
	}
	return cookies
}

// ReplayOnto writes every queued cookie as a Set-Cookie header. Existing
// Set-Cookie headers for the same cookie are replaced, so calling it twice on
// one writer leaves a single header per cookie.
func (jar *ResponseCookieJar) ReplayOnto(writer http.ResponseWriter) {
	if writer == nil || len(jar.pending) == 0 {
		return
	}
	header := writer.Header()
	existing := header.Values("Set-Cookie")
	retained := make([]string, 0, len(existing))
	for _, line := range existing {
		parsed, parseErr := http.ParseSetCookie(line)
		if parseErr == nil && jar.overrides(parsed) {
			continue
		}
		retained = append(retained, line)
	}
	header.Del("Set-Cookie")
	for _, line := range retained {
		header.Add("Set-Cookie", line)
	}
	for _, pendingCookie := range jar.pending {
		http.SetCookie(writer, pendingCookie)
	}
}

// ApplyToRequest rewrites the request's Cookie header so that downstream
// handlers see the refreshed values.
func (jar *ResponseCookieJar) ApplyToRequest(request *http.Request) {
	if request == nil || len(jar.pending) == 0 {
		return
	}
	inbound := request.Cookies()
	seen := make(map[string]bool, len(inbound))
	parts := make([]string, 0, len(inbound)+len(jar.pending))
	for _, cookie := range inbound {
		seen[cookie.Name] = true
		value, present := jar.Get(cookie.Name)
		if !present {
			continue
		}
		parts = append(parts, (&http.Cookie{Name: cookie.Name, Value: value}).String())
	}
	for _, pendingCookie := range jar.pending {
		if seen[pendingCookie.Name] || isDeletion(pendingCookie) {
			continue
		}
		seen[pendingCookie.Name] = true
		parts = append(parts, (&http.Cookie{Name: pendingCookie.Name, Value: pendingCookie.Value}).String())
	}
	request.Header.Del("Cookie")
	if len(parts) > 0 {
		request.Header.Set("Cookie", strings.Join(parts, "; "))
	}
}

func (jar *ResponseCookieJar) lookupPending(name string) *http.Cookie {
	for index := len(jar.pending) - 1; index >= 0; index-- {
		if jar.pending[index].Name == name {
			return jar.pending[index]
		}
	}
	return nil
}

func (jar *ResponseCookieJar) overrides(cookie *http.Cookie) bool {
	for _, pendingCookie := range jar.pending {
		if pendingCookie.Name == cookie.Name {
			return true
		}
	}
	return false
}

func sameCookieSlot(left *http.Cookie, right *http.Cookie) bool {
	return left.Name == right.Name && normalizedPath(left.Path) == normalizedPath(right.Path) && strings.EqualFold(left.Domain, right.Domain)
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

func isDeletion(cookie *http.Cookie) bool {
	return cookie.MaxAge < 0
}

type cookieSettings struct {
	accessName   string
	refreshName  string
	verifierName string
	domain       string
	sameSite     http.SameSite
	secure       bool
	refreshTTL   time.Duration
}

func (settings cookieSettings) accessCookie(value string, expiresAt time.Time) *http.Cookie {
	return settings.build(settings.accessName, value, expiresAt)
}

func (settings cookieSettings) refreshCookie(value string, expiresAt time.Time) *http.Cookie {
	return settings.build(settings.refreshName, value, expiresAt)
}

func (settings cookieSettings) deletion(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   settings.domain,
		MaxAge:   -1,
		Secure:   settings.secure,
		HttpOnly: true,
		SameSite: settings.sameSite,
	}
}

func (settings cookieSettings) build(name string, value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   settings.domain,
		Expires:  expiresAt,
		Secure:   settings.secure,
		HttpOnly: true,
		SameSite: settings.sameSite,
	}
}

package authkit

import (
	"path"
	"strings"

	"github.com/tyemirov/meetgate/pkg/authstate"
)

// RouteTable classifies request paths for the guard.
//
// Prefix entries match whole path segments: "/feed" covers "/feed" and
// "/feed/42" but not "/feedback". Exact entries match only themselves.
type RouteTable struct {
	Excluded           []string
	ExcludedExtensions []string
	Protected          []string
	PreAuth            []string
	Public             []string
}

// DefaultRouteTable returns the application's route classes.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		Excluded:           []string{"/static", "/_next", "/rpc", "/api", "/metrics", "/healthz", "/favicon.ico", "/robots.txt"},
		ExcludedExtensions: []string{".js", ".css", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".woff", ".woff2", ".ttf", ".txt", ".json"},
		Protected:          []string{authstate.PathFeed, "/settings", "/activities", "/profile", "/onboarding"},
		PreAuth:            []string{authstate.PathLogin, "/"},
		Public:             []string{authstate.PathConfirm},
	}
}

// IsExcluded reports whether the guard must not run for requestPath.
func (table RouteTable) IsExcluded(requestPath string) bool {
	if matchesAnyPrefix(table.Excluded, requestPath) {
		return true
	}
	extension := strings.ToLower(path.Ext(requestPath))
	if extension == "" {
		return false
	}
	for _, excluded := range table.ExcludedExtensions {
		if extension == excluded {
			return true
		}
	}
	return false
}

// IsProtected reports whether requestPath requires a session.
func (table RouteTable) IsProtected(requestPath string) bool {
	return matchesAnyPrefix(table.Protected, requestPath)
}

// IsPreAuth reports whether requestPath is a login or landing page.
func (table RouteTable) IsPreAuth(requestPath string) bool {
	cleaned := cleanRoutePath(requestPath)
	for _, candidate := range table.PreAuth {
		if cleaned == cleanRoutePath(candidate) {
			return true
		}
	}
	return false
}

// IsPublic reports whether requestPath bypasses all session checks.
func (table RouteTable) IsPublic(requestPath string) bool {
	return matchesAnyPrefix(table.Public, requestPath)
}

// IsConfirm reports whether requestPath is the login confirmation route.
func (table RouteTable) IsConfirm(requestPath string) bool {
	return cleanRoutePath(requestPath) == authstate.PathConfirm
}

func matchesAnyPrefix(prefixes []string, requestPath string) bool {
	cleaned := cleanRoutePath(requestPath)
	for _, prefix := range prefixes {
		normalized := cleanRoutePath(prefix)
		if normalized == "/" {
			continue
		}
		if cleaned == normalized || strings.HasPrefix(cleaned, normalized+"/") {
			return true
		}
	}
	return false
}

func cleanRoutePath(requestPath string) string {
	if requestPath == "" {
		return "/"
	}
	cleaned := path.Clean("/" + requestPath)
	return cleaned
}

package observability

import (
	"net"
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters and truncates to limit runes.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
		if len(cleaned) == limit {
			break
		}
	}
	return strings.TrimSpace(string(cleaned))
}

// SanitizeRoute cleans a chi route pattern for logs and span names.
func SanitizeRoute(route string) string {
	if route == "" {
		return unmatchedRoute
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method.
func SanitizeMethod(method string) string {
	return sanitizeString(strings.ToUpper(method), 10)
}

// SanitizeUserID bounds a Firebase uid.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}

// SanitizeParam bounds identifiers taken from the route or caller tokens.
func SanitizeParam(value string) string {
	return sanitizeString(value, 128)
}

func clientHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

const maxAddrLen = 45

// ClientKey derives the rate-limit key for a request.
//
// Priority: X-API-Key header (first 20 chars), Authorization bearer token
// (first 20 chars), first X-Forwarded-For hop after syntactic validation,
// the peer address, and finally the literal "anonymous". Candidates that
// fail validation fall through to the next source without erroring.
func ClientKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return truncate(key, 20)
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return truncate(token, 20)
			}
		}
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if validAddr(first) {
			return first
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && validAddr(host) {
		return host
	}
	if validAddr(r.RemoteAddr) {
		return r.RemoteAddr
	}

	return "anonymous"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// validAddr accepts strings that are syntactically plausible IPv4/IPv6
// addresses: bounded length, restricted character class, at least one digit.
func validAddr(s string) bool {
	if s == "" || len(s) > maxAddrLen {
		return false
	}
	hasDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		case c == '.' || c == ':':
		default:
			return false
		}
	}
	return hasDigit
}

package ratelimit

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientKeyPriority(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("X-API-Key", "sk-abcdefghijklmnopqrstuvwxyz")
	r.Header.Set("Authorization", "Bearer tok-123")
	r.Header.Set("X-Forwarded-For", "203.0.113.7")

	// X-API-Key wins and is truncated to 20 chars.
	assert.Equal(t, "sk-abcdefghijklmnopq", ClientKey(r))

	r.Header.Del("X-API-Key")
	assert.Equal(t, "tok-123", ClientKey(r))

	r.Header.Del("Authorization")
	assert.Equal(t, "203.0.113.7", ClientKey(r))
}

func TestClientKeyBearerTruncation(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+strings.Repeat("x", 64))
	assert.Equal(t, strings.Repeat("x", 20), ClientKey(r))
}

func TestClientKeyForwardedForValidation(t *testing.T) {
	cases := []struct {
		name string
		fwd  string
		want string
	}{
		{"ipv4", "192.0.2.10, 10.0.0.1", "192.0.2.10"},
		{"ipv6", "2001:db8::1", "2001:db8::1"},
		{"injection falls through", "evil$(rm -rf)", "192.0.2.1"},
		{"overlong falls through", strings.Repeat("1", 46), "192.0.2.1"},
		{"non-address falls through", "not an ip", "192.0.2.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "192.0.2.1:4321"
			r.Header.Set("X-Forwarded-For", tc.fwd)
			assert.Equal(t, tc.want, ClientKey(r))
		})
	}
}

func TestClientKeyAnonymousFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "@"
	assert.Equal(t, "anonymous", ClientKey(r))
}

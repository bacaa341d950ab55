package ipnorm

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP_PrefersCFConnectingIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("CF-Connecting-IP", "203.0.113.9")
	r.Header.Set("X-Forwarded-For", "1.2.3.4")

	if got := ClientIP(r); got != "203.0.113.9" {
		t.Fatalf("expected CF-Connecting-IP to win, got %q", got)
	}
}

func TestClientIP_XForwardedForFirstEntry(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	if got := ClientIP(r); got != "1.2.3.4" {
		t.Fatalf("expected first XFF entry, got %q", got)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "198.51.100.7:4444"

	if got := ClientIP(r); got != "198.51.100.7" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}

func TestClientIP_StripsIPv4MappedPrefix(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Real-IP", "::ffff:198.51.100.7")

	if got := ClientIP(r); got != "198.51.100.7" {
		t.Fatalf("expected stripped v4-mapped prefix, got %q", got)
	}
}

func TestClientIP_UnknownWhenNothingUsable(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = ""

	if got := ClientIP(r); got != Unknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestOrigin_ReturnsHeaderOrUnknown(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	if got := Origin(r); got != Unknown {
		t.Fatalf("expected unknown with no header, got %q", got)
	}

	r.Header.Set("Origin", "https://example.com")
	if got := Origin(r); got != "https://example.com" {
		t.Fatalf("expected verbatim origin, got %q", got)
	}
}

func TestClassifyOrigin_PublicDomain(t *testing.T) {
	if got := ClassifyOrigin("https://example.com"); got != Public {
		t.Fatalf("expected Public, got %v", got)
	}
}

func TestClassifyOrigin_LocalLikeCases(t *testing.T) {
	cases := []string{
		"",
		"unknown",
		"http://localhost:3000",
		"http://192.168.1.5",
		"http://10.0.0.1",
		"http://127.0.0.1",
		"https://foo.local",
		"https://foo.internal",
		"file:///etc/passwd",
		"chrome-extension://abcdef",
		"https://example.com:8443",
		"https://[::1]:8080",
		"https://nota_valid_domain",
		"https://x",
	}
	for _, c := range cases {
		if got := ClassifyOrigin(c); got != LocalLike {
			t.Errorf("ClassifyOrigin(%q) = %v, want LocalLike", c, got)
		}
	}
}

func TestClassifyOrigin_NeverPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("ClassifyOrigin panicked: %v", r)
		}
	}()
	ClassifyOrigin("://::::not-a-url at all///")
}

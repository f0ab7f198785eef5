package origin

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM:443", "https://example.com"},
		{"http://localhost:5173/", "http://localhost:5173"},
		{"http://example.com:80", "http://example.com"},
		{"https://example.com:8443", "https://example.com:8443"},
		{"http://[::FFFF:192.0.2.1]", "http://[::ffff:192.0.2.1]"},
		{" null ", "null"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Normalize(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://example.com?",
		"https://user@example.com",
		"https://example.com/#frag",
		"https://example.com:0",
		"https://example.com:",
		"https://example.com:99999",
		"example.com",
	} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidOrigin) {
			t.Fatalf("Normalize(%q) err=%v, want ErrInvalidOrigin", in, err)
		}
	}
}

func TestPolicy_DefaultIsSameHost(t *testing.T) {
	p, err := NewPolicy(nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	tests := []struct {
		origin, host string
		want         bool
	}{
		{"https://app.example.com", "app.example.com", true},
		{"https://app.example.com", "app.example.com:443", true},
		{"http://app.example.com", "app.example.com:80", true},
		{"https://app.example.com", "APP.example.com", true},
		{"https://app.example.com", "app.example.com:8443", false},
		{"https://evil.example.com", "app.example.com", false},
		{"null", "app.example.com", false},
		{"https://app.example.com", "", false},
	}
	for _, tt := range tests {
		if _, ok := p.Check(tt.origin, tt.host); ok != tt.want {
			t.Fatalf("Check(%q, %q)=%v, want %v", tt.origin, tt.host, ok, tt.want)
		}
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p, err := NewPolicy([]string{"https://app.example.com", "null"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if p.AllowsAny() {
		t.Fatalf("AllowsAny=true without wildcard")
	}

	normalized, ok := p.Check("HTTPS://APP.example.com:443", "signal.example.com")
	if !ok || normalized != "https://app.example.com" {
		t.Fatalf("Check=%q,%v, want https://app.example.com,true", normalized, ok)
	}
	if _, ok := p.Check("null", "signal.example.com"); !ok {
		t.Fatalf("null origin rejected although listed")
	}
	// An explicit list replaces the same-host default.
	if _, ok := p.Check("https://signal.example.com", "signal.example.com"); ok {
		t.Fatalf("same-host origin allowed although not listed")
	}
}

func TestPolicy_Wildcard(t *testing.T) {
	p, err := NewPolicy([]string{"*"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if !p.AllowsAny() {
		t.Fatalf("AllowsAny=false")
	}
	if _, ok := p.Check("https://anything.example", "whatever:1234"); !ok {
		t.Fatalf("wildcard rejected an origin")
	}
	if _, ok := p.Check("https://example.com/path", "whatever"); ok {
		t.Fatalf("wildcard accepted a malformed origin")
	}
}

func TestNewPolicy_RejectsMalformedEntries(t *testing.T) {
	if _, err := NewPolicy([]string{"https://example.com/path"}); !errors.Is(err, ErrInvalidOrigin) {
		t.Fatalf("err=%v, want ErrInvalidOrigin", err)
	}
}

package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{
		"HTTPS://Example.COM:443",
		"http://010.0.0.1",
		"http://[::FFFF:192.0.2.1]",
		"null",
		"",
		"   ",
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com?query",
		"https://example.com#frag",
		"https://example.com,https://evil.example.com",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, header string) {
		normalized, err := Normalize(header)
		if err != nil {
			return
		}
		if strings.ContainsAny(normalized, " \t\r\n?#") {
			t.Fatalf("normalized origin %q contains whitespace or delimiters", normalized)
		}

		again, err := Normalize(normalized)
		if err != nil || again != normalized {
			t.Fatalf("Normalize not idempotent: %q -> %q (%v)", normalized, again, err)
		}
		if normalized == Null {
			return
		}

		u, err := url.Parse(normalized)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", normalized, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			t.Fatalf("unexpected scheme %q", u.Scheme)
		}
		if u.Path != "" || u.RawQuery != "" || u.User != nil {
			t.Fatalf("normalized origin %q has extra components", normalized)
		}

		// An origin always matches a request addressed to its own host.
		p, err := NewPolicy(nil)
		if err != nil {
			t.Fatalf("NewPolicy: %v", err)
		}
		if _, ok := p.Check(normalized, u.Host); !ok {
			t.Fatalf("origin %q rejected for its own host %q", normalized, u.Host)
		}
	})
}

func FuzzPolicyCheck(f *testing.F) {
	f.Add("https://app.example.com", "app.example.com:443", "")
	f.Add("null", "app.example.com", "null")
	f.Add("https://good.example.com", "app.example.com", "*")

	f.Fuzz(func(t *testing.T, header, requestHost, allowList string) {
		var entries []string
		if allowList != "" {
			entries = strings.Split(allowList, ",")
		}
		p, err := NewPolicy(entries)
		if err != nil {
			return
		}
		normalized, ok := p.Check(header, requestHost)
		if ok && normalized == "" {
			t.Fatalf("allowed origin without a normalized value")
		}
		if p.AllowsAny() {
			if _, err := Normalize(header); err == nil && !ok {
				t.Fatalf("wildcard policy rejected valid origin %q", header)
			}
		}
	})
}

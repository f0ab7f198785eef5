package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pion/webrtc/v4"
)

func newTestIssuer(t *testing.T, now time.Time, ttl time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return now },
		NewSessionID:   func() string { return "random" },
	})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestIssue_DeterministicWithFixedTime(t *testing.T) {
	iss := newTestIssuer(t, time.Unix(1_700_000_000, 0), time.Hour)

	creds, err := iss.Issue("session123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got, want := creds.ExpiresAt.Unix(), int64(1_700_003_600); got != want {
		t.Fatalf("ExpiresAt=%d, want %d", got, want)
	}
	wantUsername := "1700003600:aero:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential("shared-secret", wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssue_CredentialIsBase64HMACSHA1(t *testing.T) {
	iss := newTestIssuer(t, time.Unix(0, 0), time.Second)

	creds, err := iss.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":aero:random") {
		t.Fatalf("Username=%q, want random session suffix", creds.Username)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length=%d, want %d", len(decoded), sha1.Size)
	}
}

func TestIssue_DefaultSessionIDsAreUnique(t *testing.T) {
	iss, err := NewIssuer(Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	a, err := iss.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	b, err := iss.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("two random sessions share username %q", a.Username)
	}
	if strings.Count(a.Username, ":") != 2 {
		t.Fatalf("Username=%q, want exactly two ':' separators", a.Username)
	}
}

func TestNewIssuer_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no secret", Config{TTL: time.Minute, UsernamePrefix: "p"}, ErrMissingSecret},
		{"zero ttl", Config{SharedSecret: "s", UsernamePrefix: "p"}, ErrInvalidTTL},
		{"empty prefix", Config{SharedSecret: "s", TTL: time.Minute}, ErrInvalidPrefix},
		{"colon prefix", Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"}, ErrInvalidPrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.cfg); !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssue_RejectsBadSessionID(t *testing.T) {
	iss := newTestIssuer(t, time.Unix(0, 0), time.Minute)
	for _, id := range []string{"", "a:b"} {
		if _, err := iss.Issue(id); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("Issue(%q) err=%v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestApply_OnlyTouchesTURNServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "static", Credential: "old"},
	}
	creds := Credentials{Username: "u", Credential: "c"}

	got := Apply(servers, creds)
	want := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}, Username: "u", Credential: "c"},
		{URLs: []string{"turns:turn.example.com:5349"}, Username: "u", Credential: "c"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Apply mismatch (-want +got):\n%s", diff)
	}
	if servers[2].Credential != "old" {
		t.Fatalf("Apply mutated its input")
	}
	if out := Apply([]webrtc.ICEServer{}, creds); out == nil {
		t.Fatalf("Apply turned an empty slice into nil")
	}
}

func expectedCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

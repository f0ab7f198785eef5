// Package turnrest mints short-lived coturn credentials (the "TURN REST API"
// scheme, coturn's use-auth-secret mode) so that the browser peers of a call
// can fall back to a relay without a long-lived TURN password.
//
//	username   = <unix expiry>:<prefix>:<session id>
//	credential = base64(HMAC-SHA1(shared secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret    = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL       = errors.New("turnrest: ttl must be positive")
	ErrInvalidPrefix    = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSessionID = errors.New("turnrest: session id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() string
}

// Credentials is one minted username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

type Issuer struct {
	secret       []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
	newSessionID func() string
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Issuer{
		secret:       []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		prefix:       cfg.UsernamePrefix,
		now:          cfg.Now,
		newSessionID: cfg.NewSessionID,
	}, nil
}

// Issue mints credentials bound to sessionID.
func (i *Issuer) Issue(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + i.prefix + ":" + sessionID
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		ExpiresAt:  expires,
	}, nil
}

// IssueRandom mints credentials for a fresh random session id.
func (i *Issuer) IssueRandom() (Credentials, error) {
	return i.Issue(i.newSessionID())
}

// Apply returns a copy of servers in which every TURN server carries creds.
// STUN-only entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep empty non-nil slices so responses encode as [] rather than null.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for idx, server := range servers {
		out[idx] = server
		if isTURN(server) {
			out[idx].Username = creds.Username
			out[idx].Credential = creds.Credential
		}
	}
	return out
}

func isTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DefaultRole is assigned when a token carries no role claim.
const DefaultRole = "user"

// Identity is the verified caller behind a bearer credential.
type Identity struct {
	UserID string
	Role   string
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
	case config.AuthModeNone:
		return InsecureVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts a bearer token from the Authorization header,
// falling back to the `token` query parameter (browsers cannot set headers on
// WebSocket upgrades).
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(token), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// InsecureVerifier treats the credential itself as the user id. It exists for
// local development with AUTH_MODE=none and must never run in production.
type InsecureVerifier struct{}

const maxInsecureUserIDLen = 64

func (InsecureVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if len(token) > maxInsecureUserIDLen {
		return Identity{}, ErrInvalidCredentials
	}
	for _, r := range token {
		if r <= ' ' || r == 0x7f {
			return Identity{}, ErrInvalidCredentials
		}
	}
	return Identity{UserID: token, Role: DefaultRole}, nil
}

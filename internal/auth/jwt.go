package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

// Tokens larger than this are rejected before any parsing.
const maxJWTLen = 8 * 1024

var errEmptyJWTSecret = errors.New("jwt secret must not be empty")

type JWTOptions struct {
	// Issuer and Audience are checked when non-empty.
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. The user id is
// read from the `userId` claim (string or number) and falls back to `sub`.
type JWTVerifier struct {
	secret []byte
	opts   JWTOptions
	now    func() time.Time
}

func NewJWTVerifier(secret string, opts JWTOptions) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errEmptyJWTSecret
	}
	return &JWTVerifier{
		secret: []byte(secret),
		opts:   opts,
		now:    time.Now,
	}, nil
}

type identityClaims struct {
	UserID protocol.UserID `json:"userId"`
	Role   string          `json:"role"`
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if len(token) > maxJWTLen {
		return Identity{}, ErrInvalidCredentials
	}

	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	var std jwt.Claims
	var custom identityClaims
	if err := parsed.Claims(v.secret, &std, &custom); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if std.Expiry == nil {
		return Identity{}, ErrInvalidCredentials
	}

	expected := jwt.Expected{
		Issuer: v.opts.Issuer,
		Time:   v.now(),
	}
	if v.opts.Audience != "" {
		expected.AnyAudience = jwt.Audience{v.opts.Audience}
	}
	if err := std.ValidateWithLeeway(expected, v.opts.Leeway); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	userID := strings.TrimSpace(custom.UserID.String())
	if userID == "" {
		userID = strings.TrimSpace(std.Subject)
	}
	if userID == "" {
		return Identity{}, ErrInvalidCredentials
	}

	role := strings.TrimSpace(custom.Role)
	if role == "" {
		role = DefaultRole
	}
	return Identity{UserID: userID, Role: role}, nil
}

// Package directory is the user directory consulted by matchmaking and by the
// signaling connect path: who is online, who is banned, who blocked whom.
package directory

import (
	"context"
	"errors"
	"strings"
)

var ErrClosed = errors.New("directory closed")

// FilterAny disables a gender or region filter.
const FilterAny = "any"

type User struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Age       int    `yaml:"age,omitempty" json:"age,omitempty"`
	Gender    string `yaml:"gender,omitempty" json:"gender,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	AvatarURL string `yaml:"avatarUrl,omitempty" json:"avatarUrl,omitempty"`
	Online    bool   `yaml:"online,omitempty" json:"-"`
	Banned    bool   `yaml:"banned,omitempty" json:"-"`
}

// CandidateQuery selects online, non-banned users other than RequesterID.
// Users RequesterID has blocked are excluded by the store. Gender and Region
// match case-insensitively; an empty value or "any" disables either filter,
// so "any" is a wildcard for region as well as gender.
type CandidateQuery struct {
	RequesterID string
	Gender      string
	Region      string
	Exclude     []string
	// Limit caps the number of rows returned; <= 0 uses DefaultCandidateLimit.
	Limit int
}

const DefaultCandidateLimit = 50

func (q CandidateQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultCandidateLimit
	}
	return q.Limit
}

// Directory is the read side used by matchmaking and connection admission.
type Directory interface {
	ListOnlineCandidates(ctx context.Context, q CandidateQuery) ([]User, error)
	IsBanned(ctx context.Context, userID string) (bool, error)
	// ListBlockedIDs returns the ids userID has blocked.
	ListBlockedIDs(ctx context.Context, userID string) ([]string, error)
}

// PresenceWriter mirrors signaling presence into the directory's online flag.
type PresenceWriter interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	// ResetOnline clears every online flag; used at startup since no
	// connection survives a restart.
	ResetOnline(ctx context.Context) error
}

// Store is a full directory backend.
type Store interface {
	Directory
	PresenceWriter
	Upsert(ctx context.Context, u User) error
	Block(ctx context.Context, blockerID, blockedID, reason string) error
	Close() error
}

// normalizeFilter maps "", "any" and case variants to the canonical filter
// value; an empty result means no filtering.
func normalizeFilter(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == FilterAny {
		return ""
	}
	return v
}

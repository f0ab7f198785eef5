package directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the on-disk format accepted by `directory seed` and by the dev-mode
// in-memory directory.
//
//	users:
//	  - id: "1"
//	    name: Alice
//	    gender: female
//	    region: eu
//	blocks:
//	  - blocker: "1"
//	    blocked: "2"
//	    reason: spam
type Seed struct {
	Users  []User      `yaml:"users"`
	Blocks []SeedBlock `yaml:"blocks"`
}

type SeedBlock struct {
	Blocker string `yaml:"blocker"`
	Blocked string `yaml:"blocked"`
	Reason  string `yaml:"reason,omitempty"`
}

// SeedWriter is the subset of Store needed to apply a Seed.
type SeedWriter interface {
	Upsert(ctx context.Context, u User) error
	Block(ctx context.Context, blockerID, blockedID, reason string) error
}

func LoadSeed(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return DecodeSeed(f)
}

func DecodeSeed(r io.Reader) (Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return Seed{}, nil
		}
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) validate() error {
	seen := make(map[string]struct{}, len(s.Users))
	for i, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("seed: users[%d] missing id", i)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("seed: duplicate user id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	for i, b := range s.Blocks {
		if b.Blocker == "" || b.Blocked == "" {
			return fmt.Errorf("seed: blocks[%d] missing blocker/blocked", i)
		}
	}
	return nil
}

// ApplySeed writes every user and block in seed to w.
func ApplySeed(ctx context.Context, w SeedWriter, seed Seed) error {
	for _, u := range seed.Users {
		if err := w.Upsert(ctx, u); err != nil {
			return err
		}
	}
	for _, b := range seed.Blocks {
		if err := w.Block(ctx, b.Blocker, b.Blocked, b.Reason); err != nil {
			return err
		}
	}
	return nil
}

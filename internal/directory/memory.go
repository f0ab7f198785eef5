package directory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Memory is an in-process Store used in dev mode and tests.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]User
	blocked map[string]mapset.Set[string]
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]User),
		blocked: make(map[string]mapset.Set[string]),
	}
}

func (m *Memory) ListOnlineCandidates(ctx context.Context, q CandidateQuery) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	exclude := mapset.NewThreadUnsafeSet(q.Exclude...)
	blocked := m.blocked[q.RequesterID]
	gender := normalizeFilter(q.Gender)
	region := normalizeFilter(q.Region)

	var out []User
	for id, u := range m.users {
		switch {
		case !u.Online, u.Banned, id == q.RequesterID, exclude.Contains(id):
			continue
		case blocked != nil && blocked.Contains(id):
			continue
		case gender != "" && strings.ToLower(u.Gender) != gender:
			continue
		case region != "" && strings.ToLower(u.Region) != region:
			continue
		}
		out = append(out, u)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (m *Memory) IsBanned(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.users[userID].Banned, nil
}

func (m *Memory) ListBlockedIDs(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	set, ok := m.blocked[userID]
	if !ok {
		return nil, nil
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SetOnline(ctx context.Context, userID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	u.Online = online
	m.users[userID] = u
	return nil
}

func (m *Memory) ResetOnline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for id, u := range m.users {
		u.Online = false
		m.users[id] = u
	}
	return nil
}

func (m *Memory) Upsert(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("upsert user: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) Block(ctx context.Context, blockerID, blockedID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set, ok := m.blocked[blockerID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		m.blocked[blockerID] = set
	}
	set.Add(blockedID)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

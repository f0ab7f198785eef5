// Package presence tracks which users are reachable for signaling right now
// and through which connection.
package presence

import (
	"sort"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

// Handle is a live connection that frames can be delivered to.
//
// Send must not block: implementations enqueue and report false when the frame
// could not be queued (closed or saturated connection).
type Handle interface {
	ID() string
	Send(msg protocol.Message) bool
	Close(reason string)
}

type Entry struct {
	UserID      string
	Handle      Handle
	ConnectedAt time.Time
}

// Registry maps a user id to its current connection. At most one entry exists
// per user; a newer registration replaces the older one.
//
// Registry is not safe for concurrent use. The signaling coordinator owns it
// and serializes every call under its own lock.
type Registry struct {
	entries map[string]Entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register installs handle for userID and broadcasts user-online to every other
// registered user. The previous entry, if any, is returned so the caller can
// decide what to do with the evicted connection; the registry itself never
// notifies it.
func (r *Registry) Register(userID string, handle Handle) (evicted Entry, replaced bool) {
	evicted, replaced = r.entries[userID]
	r.entries[userID] = Entry{
		UserID:      userID,
		Handle:      handle,
		ConnectedAt: r.now(),
	}
	r.Broadcast(protocol.UserOnline(userID), userID)
	return evicted, replaced
}

// Unregister removes the entry for userID and broadcasts user-offline. It
// reports whether an entry existed; a second call for the same user does
// nothing.
func (r *Registry) Unregister(userID string) bool {
	if _, ok := r.entries[userID]; !ok {
		return false
	}
	delete(r.entries, userID)
	r.Broadcast(protocol.UserOffline(userID), userID)
	return true
}

// Owns reports whether handle is the connection currently registered for
// userID.
func (r *Registry) Owns(userID string, handle Handle) bool {
	e, ok := r.entries[userID]
	return ok && e.Handle == handle
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

func (r *Registry) Len() int { return len(r.entries) }

// Snapshot returns all entries ordered by user id.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Broadcast delivers msg to every registered user except exceptUserID.
// Delivery is best-effort; connections that cannot accept the frame are left
// to their own transport to tear down.
func (r *Registry) Broadcast(msg protocol.Message, exceptUserID string) {
	for id, e := range r.entries {
		if id == exceptUserID {
			continue
		}
		e.Handle.Send(msg)
	}
}

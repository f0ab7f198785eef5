package callsession

import (
	"errors"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrDuplicateCallID = errors.New("call id already in use")

// Directory indexes live sessions by call id and by participant.
//
// Like presence.Registry it is not safe for concurrent use; the signaling
// coordinator serializes access.
type Directory struct {
	byID   map[string]*Session
	byUser map[string]mapset.Set[string]
}

func NewDirectory() *Directory {
	return &Directory{
		byID:   make(map[string]*Session),
		byUser: make(map[string]mapset.Set[string]),
	}
}

func (d *Directory) Add(s *Session) error {
	if _, exists := d.byID[s.CallID]; exists {
		return ErrDuplicateCallID
	}
	d.byID[s.CallID] = s
	d.index(s.CallerID, s.CallID)
	d.index(s.ReceiverID, s.CallID)
	return nil
}

// Get returns the session for callID. Unknown ids yield (nil, false).
func (d *Directory) Get(callID string) (*Session, bool) {
	s, ok := d.byID[callID]
	return s, ok
}

// Remove deletes the session for callID and returns it. Unknown ids are a
// no-op.
func (d *Directory) Remove(callID string) (*Session, bool) {
	s, ok := d.byID[callID]
	if !ok {
		return nil, false
	}
	delete(d.byID, callID)
	d.unindex(s.CallerID, callID)
	d.unindex(s.ReceiverID, callID)
	return s, true
}

// ForUser returns every session userID participates in, oldest first.
func (d *Directory) ForUser(userID string) []*Session {
	ids, ok := d.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, ids.Cardinality())
	for _, id := range ids.ToSlice() {
		out = append(out, d.byID[id])
	}
	sortSessions(out)
	return out
}

// All returns every live session, oldest first.
func (d *Directory) All() []*Session {
	out := make([]*Session, 0, len(d.byID))
	for _, s := range d.byID {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

func (d *Directory) Len() int { return len(d.byID) }

func (d *Directory) index(userID, callID string) {
	set, ok := d.byUser[userID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		d.byUser[userID] = set
	}
	set.Add(callID)
}

func (d *Directory) unindex(userID, callID string) {
	set, ok := d.byUser[userID]
	if !ok {
		return
	}
	set.Remove(callID)
	if set.Cardinality() == 0 {
		delete(d.byUser, userID)
	}
}

func sortSessions(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.Before(ss[j].CreatedAt)
		}
		return ss[i].CallID < ss[j].CallID
	})
}

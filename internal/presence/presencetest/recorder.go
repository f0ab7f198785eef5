// Package presencetest provides an in-memory presence.Handle for tests.
package presencetest

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

// Recorder records every frame sent to it.
type Recorder struct {
	id string

	mu          sync.Mutex
	msgs        []protocol.Message
	closed      bool
	closeReason string
	// Full makes Send report a saturated queue.
	full bool
}

func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Send(msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.full {
		return false
	}
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *Recorder) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.closeReason = reason
}

// SetFull toggles whether Send reports a saturated queue.
func (r *Recorder) SetFull(full bool) {
	r.mu.Lock()
	r.full = full
	r.mu.Unlock()
}

// Messages returns a copy of everything received so far.
func (r *Recorder) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

// Types returns the type of every received frame, in order.
func (r *Recorder) Types() []protocol.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Type, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

// Last returns the most recent frame.
func (r *Recorder) Last() (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return protocol.Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

// Reset drops all recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

func (r *Recorder) Closed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.closeReason
}

package callsession

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

// Session is one call between exactly two users.
type Session struct {
	CallID     string
	CallerID   string
	ReceiverID string

	// Handles captured when the call was created. Relays address the
	// counterpart's current presence handle instead, so these only identify
	// the connections that took part.
	CallerHandle   presence.Handle
	ReceiverHandle presence.Handle

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	EndReason  string

	state State
}

func New(callID, callerID, receiverID string, callerHandle, receiverHandle presence.Handle, now time.Time) *Session {
	return &Session{
		CallID:         callID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		CallerHandle:   callerHandle,
		ReceiverHandle: receiverHandle,
		CreatedAt:      now,
		state:          StateInitiated,
	}
}

func (s *Session) State() State { return s.state }

// Apply moves the session along the transition table and stamps timing.
func (s *Session) Apply(ev Event, now time.Time) error {
	next, err := Next(s.state, ev)
	if err != nil {
		return err
	}
	s.state = next
	switch {
	case next == StateActive:
		s.AnsweredAt = now
	case next.Terminal():
		s.EndedAt = now
	}
	return nil
}

// Relayable reports whether negotiation payloads may still flow.
func (s *Session) Relayable() bool { return !s.state.Terminal() }

func (s *Session) Participant(userID string) bool {
	return userID == s.CallerID || userID == s.ReceiverID
}

// Counterpart returns the other participant of userID.
func (s *Session) Counterpart(userID string) (string, bool) {
	switch userID {
	case s.CallerID:
		return s.ReceiverID, true
	case s.ReceiverID:
		return s.CallerID, true
	default:
		return "", false
	}
}

func (s *Session) Timing() protocol.Timing {
	return protocol.Timing{
		StartedAt:  s.CreatedAt,
		AnsweredAt: s.AnsweredAt,
		EndedAt:    s.EndedAt,
	}
}

// Record is the summary handed to call-log sinks once a session terminates.
type Record struct {
	CallID     string
	CallerID   string
	ReceiverID string
	State      State
	Reason     string
	Timing     protocol.Timing
}

func (s *Session) Record() Record {
	return Record{
		CallID:     s.CallID,
		CallerID:   s.CallerID,
		ReceiverID: s.ReceiverID,
		State:      s.state,
		Reason:     s.EndReason,
		Timing:     s.Timing(),
	}
}

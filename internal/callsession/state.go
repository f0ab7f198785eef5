// Package callsession models a single call's signaling lifecycle and the
// directory of calls that are currently in flight.
package callsession

import (
	"errors"
	"fmt"
)

type State string

const (
	StateInitiated State = "initiated"
	StateRinging   State = "ringing"
	StateActive    State = "active"
	StateEnded     State = "ended"
	StateRejected  State = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

type Event string

const (
	// EventRing fires once the receiver has been told about the call.
	EventRing       Event = "ring"
	EventAccept     Event = "accept"
	EventReject     Event = "reject"
	EventEnd        Event = "end"
	EventDisconnect Event = "disconnect"
	EventTimeout    Event = "timeout"
)

var (
	ErrIllegalTransition = errors.New("illegal call state transition")
	ErrTerminal          = errors.New("call already terminated")
)

// transitions lists every legal (state, event) pair. Anything not listed is
// rejected, which keeps states monotonic: no entry leads back to a state
// already left.
var transitions = map[State]map[Event]State{
	StateInitiated: {
		EventRing:       StateRinging,
		EventEnd:        StateEnded,
		EventDisconnect: StateEnded,
	},
	StateRinging: {
		EventAccept:     StateActive,
		EventReject:     StateRejected,
		EventEnd:        StateEnded,
		EventDisconnect: StateEnded,
		EventTimeout:    StateEnded,
	},
	StateActive: {
		EventEnd:        StateEnded,
		EventDisconnect: StateEnded,
	},
}

// Next returns the state reached by applying ev in state from.
func Next(from State, ev Event) (State, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s in %s", ErrTerminal, ev, from)
	}
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s in %s", ErrIllegalTransition, ev, from)
	}
	return to, nil
}

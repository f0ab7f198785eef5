package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Type string

// Inbound frame types.
const (
	TypeAuth         Type = "auth"
	TypeCallInit     Type = "call-init"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeCallAccepted Type = "call-accepted"
	TypeCallRejected Type = "call-rejected"
	TypeCallEnd      Type = "call-end"
)

// Outbound-only frame types. offer, answer, ice-candidate, call-accepted and
// call-rejected are reused in the outbound direction.
const (
	TypeIncomingCall Type = "incoming-call"
	TypeCallError    Type = "call-error"
	TypeCallEnded    Type = "call-ended"
	TypeUserOnline   Type = "user-online"
	TypeUserOffline  Type = "user-offline"
	TypeError        Type = "error"
)

// MaxCallIDLen bounds client-chosen call identifiers.
const MaxCallIDLen = 128

// ErrInvalidMessage wraps every parse/validation failure returned by Parse.
var ErrInvalidMessage = errors.New("invalid signaling message")

// ErrNullCandidate is returned by Parse for an otherwise well-formed
// ice-candidate whose candidate is null, as browsers emit when gathering
// ends. It does not wrap ErrInvalidMessage: the frame is dropped, not treated
// as a protocol violation.
var ErrNullCandidate = errors.New("ice-candidate with null candidate")

// Inbound is a frame sent by a peer to the coordinator.
type Inbound struct {
	Type Type `json:"type"`

	Token string `json:"token,omitempty"`

	CallID       string `json:"callId,omitempty"`
	ReceiverID   UserID `json:"receiverId,omitempty"`
	TargetUserID UserID `json:"targetUserId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Message is a frame sent by the coordinator to a peer.
type Message struct {
	Type Type `json:"type"`

	CallID     string `json:"callId,omitempty"`
	CallerID   string `json:"callerId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	FromUserID string `json:"fromUserId,omitempty"`
	UserID     string `json:"userId,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`

	StartedAt       *time.Time `json:"startedAt,omitempty"`
	AnsweredAt      *time.Time `json:"answeredAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds *int64     `json:"durationSeconds,omitempty"`
}

// Timing is the call timing attached to call-ended.
type Timing struct {
	StartedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
}

// Duration is the connected time of the call; zero when it was never answered.
func (t Timing) Duration() time.Duration {
	if t.AnsweredAt.IsZero() || t.EndedAt.Before(t.AnsweredAt) {
		return 0
	}
	return t.EndedAt.Sub(t.AnsweredAt)
}

func IncomingCall(callID, callerID string) Message {
	return Message{Type: TypeIncomingCall, CallID: callID, CallerID: callerID}
}

func CallError(callID, message string) Message {
	return Message{Type: TypeCallError, CallID: callID, Message: message}
}

func RelayOffer(callID string, offer json.RawMessage, callerID string) Message {
	return Message{Type: TypeOffer, CallID: callID, Offer: offer, CallerID: callerID}
}

func RelayAnswer(callID string, answer json.RawMessage, receiverID string) Message {
	return Message{Type: TypeAnswer, CallID: callID, Answer: answer, ReceiverID: receiverID}
}

func RelayCandidate(callID string, candidate json.RawMessage, fromUserID string) Message {
	return Message{Type: TypeICECandidate, CallID: callID, Candidate: candidate, FromUserID: fromUserID}
}

func CallAccepted(callID string) Message {
	return Message{Type: TypeCallAccepted, CallID: callID}
}

func CallRejected(callID string) Message {
	return Message{Type: TypeCallRejected, CallID: callID}
}

func CallEnded(callID, reason string, timing Timing) Message {
	msg := Message{Type: TypeCallEnded, CallID: callID, Reason: reason}
	if !timing.StartedAt.IsZero() {
		msg.StartedAt = ptr(timing.StartedAt.UTC())
	}
	if !timing.AnsweredAt.IsZero() {
		msg.AnsweredAt = ptr(timing.AnsweredAt.UTC())
	}
	if !timing.EndedAt.IsZero() {
		msg.EndedAt = ptr(timing.EndedAt.UTC())
	}
	msg.DurationSeconds = ptr(int64(timing.Duration() / time.Second))
	return msg
}

func UserOnline(userID string) Message {
	return Message{Type: TypeUserOnline, UserID: userID}
}

func UserOffline(userID string) Message {
	return Message{Type: TypeUserOffline, UserID: userID}
}

func Error(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}

// Parse decodes a single inbound frame. Unknown fields, trailing data and
// fields that do not belong to the frame's type are rejected.
func Parse(data []byte) (Inbound, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Inbound
	if err := dec.Decode(&msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Inbound{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.validate(); err != nil {
		if errors.Is(err, ErrNullCandidate) {
			return Inbound{}, err
		}
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func (m Inbound) validate() error {
	switch m.Type {
	case TypeAuth:
		if strings.TrimSpace(m.Token) == "" {
			return fmt.Errorf("auth message missing token")
		}
		return m.only("token")
	case TypeCallInit:
		if err := m.requireCallID(); err != nil {
			return err
		}
		if m.ReceiverID == "" {
			return fmt.Errorf("call-init message missing receiverId")
		}
		return m.only("callId", "receiverId")
	case TypeOffer:
		if err := m.requireCallID(); err != nil {
			return err
		}
		if err := validateDescription(m.Offer, webrtc.SDPTypeOffer); err != nil {
			return fmt.Errorf("offer message: %w", err)
		}
		return m.only("callId", "offer")
	case TypeAnswer:
		if err := m.requireCallID(); err != nil {
			return err
		}
		if err := validateDescription(m.Answer, webrtc.SDPTypeAnswer); err != nil {
			return fmt.Errorf("answer message: %w", err)
		}
		return m.only("callId", "answer")
	case TypeICECandidate:
		if err := m.requireCallID(); err != nil {
			return err
		}
		if m.TargetUserID == "" {
			return fmt.Errorf("ice-candidate message missing targetUserId")
		}
		if err := m.only("callId", "targetUserId", "candidate"); err != nil {
			return err
		}
		if bytes.Equal(bytes.TrimSpace(m.Candidate), []byte("null")) {
			return ErrNullCandidate
		}
		if err := validateCandidate(m.Candidate); err != nil {
			return fmt.Errorf("ice-candidate message: %w", err)
		}
		return nil
	case TypeCallAccepted, TypeCallRejected, TypeCallEnd:
		if err := m.requireCallID(); err != nil {
			return err
		}
		return m.only("callId")
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
}

func (m Inbound) requireCallID() error {
	if strings.TrimSpace(m.CallID) == "" {
		return fmt.Errorf("%s message missing callId", m.Type)
	}
	if len(m.CallID) > MaxCallIDLen {
		return fmt.Errorf("%s message callId exceeds %d bytes", m.Type, MaxCallIDLen)
	}
	return nil
}

// only rejects populated fields other than the named ones.
func (m Inbound) only(allowed ...string) error {
	present := map[string]bool{
		"token":        m.Token != "",
		"callId":       m.CallID != "",
		"receiverId":   m.ReceiverID != "",
		"targetUserId": m.TargetUserID != "",
		"offer":        len(m.Offer) > 0,
		"answer":       len(m.Answer) > 0,
		"candidate":    len(m.Candidate) > 0,
	}
	for _, name := range allowed {
		delete(present, name)
	}
	for name, set := range present {
		if set {
			return fmt.Errorf("%s message has unexpected field %q", m.Type, name)
		}
	}
	return nil
}

func validateDescription(raw json.RawMessage, want webrtc.SDPType) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing session description")
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	if desc.Type != want {
		return fmt.Errorf("session description type must be %q", want.String())
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("session description missing sdp")
	}
	return nil
}

func validateCandidate(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing candidate")
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

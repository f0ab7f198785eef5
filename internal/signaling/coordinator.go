package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/ratelimit"
)

var ErrClosed = errors.New("coordinator closed")

// Reasons carried by call-ended and by connection closes.
const (
	ReasonPeerDisconnected = "peer disconnected"
	ReasonNoAnswer         = "no answer"
	ReasonServerShutdown   = "server shutdown"
	ReasonReplaced         = "replaced by newer connection"

	reasonHangup   = "hangup"
	reasonRejected = "rejected"
)

// call-error messages.
const (
	msgUserOffline  = "User is offline"
	msgSelfCall     = "Cannot call yourself"
	msgCallIDInUse  = "Call id already in use"
	msgTooManyCalls = "Too many calls, please slow down"
	msgShuttingDown = "Server is shutting down"
)

const defaultRingTimeout = 45 * time.Second

// PresenceObserver is told about every user that comes online or goes
// offline, in order. It is called with the coordinator's lock held and must
// not block.
type PresenceObserver interface {
	PresenceChanged(userID string, online bool)
}

type CoordinatorConfig struct {
	// RingTimeout ends calls that are still ringing; <= 0 uses 45s.
	RingTimeout time.Duration
	StalePolicy config.StaleConnectionPolicy
	// CallInits limits call-init per caller; nil is unlimited.
	CallInits *ratelimit.Keyed

	// OnSessionEnded receives every terminated session, outside the lock.
	OnSessionEnded func(callsession.Record)
	Presence       PresenceObserver

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator is the call lifecycle controller. It owns the presence registry
// and the session directory and serializes every mutation of both behind one
// mutex, so a register, unregister or state transition is atomic with respect
// to any lookup.
type Coordinator struct {
	mu       sync.Mutex
	registry *presence.Registry
	sessions *callsession.Directory
	timers   map[string]*time.Timer
	closed   bool

	ringTimeout time.Duration
	stalePolicy config.StaleConnectionPolicy
	callInits   *ratelimit.Keyed
	onEnded     func(callsession.Record)
	observer    PresenceObserver

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.StalePolicy == "" {
		cfg.StalePolicy = config.DefaultStaleConnectionPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		registry:    presence.NewRegistry(),
		sessions:    callsession.NewDirectory(),
		timers:      make(map[string]*time.Timer),
		ringTimeout: cfg.RingTimeout,
		stalePolicy: cfg.StalePolicy,
		callInits:   cfg.CallInits,
		onEnded:     cfg.OnSessionEnded,
		observer:    cfg.Presence,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		now:         time.Now,
	}
	if c.metrics != nil {
		c.metrics.SetGauge("online_users", func() float64 { return float64(c.Stats().OnlineUsers) })
		c.metrics.SetGauge("active_sessions", func() float64 { return float64(c.Stats().Sessions) })
	}
	return c
}

// Connect registers handle as userID's connection. A previous connection for
// the same user is replaced; depending on the stale policy it is closed or
// left as a dead handle.
func (c *Coordinator) Connect(userID string, handle presence.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	evicted, replaced := c.registry.Register(userID, handle)
	c.metrics.Inc(metrics.ConnectionsOpened)
	if !replaced {
		c.notifyPresence(userID, true)
		c.log.Info("user online", "user_id", userID, "conn_id", handle.ID())
		return nil
	}
	if evicted.Handle == handle {
		return nil
	}

	c.metrics.Inc(metrics.ConnectionsReplaced)
	c.log.Info("connection replaced", "user_id", userID, "conn_id", handle.ID(), "old_conn_id", evicted.Handle.ID(), "policy", c.stalePolicy)
	if c.stalePolicy == config.StaleConnectionClose {
		evicted.Handle.Close(ReasonReplaced)
	}
	return nil
}

// Disconnect removes userID's presence and ends every session the user takes
// part in, telling each counterpart the peer disconnected. It is idempotent.
func (c *Coordinator) Disconnect(userID string) {
	c.mu.Lock()
	records := c.disconnectLocked(userID)
	c.mu.Unlock()
	c.emit(records)
}

// Release disconnects userID only if handle is still the current connection.
// Transports call it when a connection goes away so that a late close of a
// replaced connection never tears down its successor.
func (c *Coordinator) Release(userID string, handle presence.Handle) {
	c.mu.Lock()
	if !c.registry.Owns(userID, handle) {
		c.mu.Unlock()
		return
	}
	records := c.disconnectLocked(userID)
	c.mu.Unlock()
	c.emit(records)
}

func (c *Coordinator) disconnectLocked(userID string) []callsession.Record {
	var records []callsession.Record
	for _, s := range c.sessions.ForUser(userID) {
		other, _ := s.Counterpart(userID)
		records = append(records, c.endLocked(s, callsession.EventDisconnect, ReasonPeerDisconnected, ReasonPeerDisconnected, other))
	}
	if c.registry.Unregister(userID) {
		c.notifyPresence(userID, false)
		c.log.Info("user offline", "user_id", userID, "ended_calls", len(records))
	}
	return records
}

func (c *Coordinator) Lookup(userID string) (presence.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Lookup(userID)
}

// IsOnline reports whether userID currently holds a signaling connection.
func (c *Coordinator) IsOnline(userID string) bool {
	_, ok := c.Lookup(userID)
	return ok
}

// Session returns a snapshot of a live session.
func (c *Coordinator) Session(callID string) (callsession.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions.Get(callID)
	if !ok {
		return callsession.Record{}, false
	}
	return s.Record(), true
}

type Stats struct {
	OnlineUsers int
	Sessions    int
	Ringing     int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{OnlineUsers: c.registry.Len(), Sessions: c.sessions.Len()}
	for _, s := range c.sessions.All() {
		if s.State() == callsession.StateRinging {
			st.Ringing++
		}
	}
	return st
}

// HandleEvent applies one inbound frame sent by userID.
func (c *Coordinator) HandleEvent(userID string, msg protocol.Inbound) {
	c.handleEvent(userID, nil, msg)
}

// HandleEventFrom applies a frame read from handle. It is dropped unless
// handle is still userID's registered connection, so a replaced connection
// that keeps reading cannot act on its successor's calls.
func (c *Coordinator) HandleEventFrom(userID string, handle presence.Handle, msg protocol.Inbound) {
	c.handleEvent(userID, handle, msg)
}

func (c *Coordinator) handleEvent(userID string, handle presence.Handle, msg protocol.Inbound) {
	var records []callsession.Record

	c.mu.Lock()
	if handle != nil && !c.registry.Owns(userID, handle) {
		c.drop(userID, msg, "stale connection")
		c.mu.Unlock()
		return
	}
	switch msg.Type {
	case protocol.TypeCallInit:
		c.callInit(userID, msg.CallID, msg.ReceiverID.String())
	case protocol.TypeOffer, protocol.TypeAnswer:
		c.relayDescription(userID, msg)
	case protocol.TypeICECandidate:
		c.relayCandidate(userID, msg)
	case protocol.TypeCallAccepted:
		c.accept(userID, msg.CallID)
	case protocol.TypeCallRejected:
		records = c.reject(userID, msg.CallID)
	case protocol.TypeCallEnd:
		records = c.hangup(userID, msg.CallID)
	default:
		c.log.Debug("ignoring frame", "user_id", userID, "type", msg.Type)
	}
	c.mu.Unlock()

	c.emit(records)
}

func (c *Coordinator) callInit(callerID, callID, receiverID string) {
	callerHandle, _ := c.registry.Lookup(callerID)
	fail := func(message string) {
		c.metrics.Inc(metrics.CallErrors)
		c.log.Debug("call-init rejected", "call_id", callID, "user_id", callerID, "receiver_id", receiverID, "reason", message)
		if callerHandle != nil {
			callerHandle.Send(protocol.CallError(callID, message))
		}
	}

	switch {
	case c.closed:
		fail(msgShuttingDown)
		return
	case receiverID == callerID:
		fail(msgSelfCall)
		return
	case !c.callInits.Allow(callerID):
		fail(msgTooManyCalls)
		return
	}
	if _, exists := c.sessions.Get(callID); exists {
		fail(msgCallIDInUse)
		return
	}
	receiverHandle, ok := c.registry.Lookup(receiverID)
	if !ok {
		fail(msgUserOffline)
		return
	}

	s := callsession.New(callID, callerID, receiverID, callerHandle, receiverHandle, c.now())
	if err := c.sessions.Add(s); err != nil {
		fail(msgCallIDInUse)
		return
	}
	receiverHandle.Send(protocol.IncomingCall(callID, callerID))
	if err := s.Apply(callsession.EventRing, c.now()); err != nil {
		c.log.Warn("call failed to ring", "call_id", callID, "err", err)
		return
	}
	c.timers[callID] = time.AfterFunc(c.ringTimeout, func() { c.ringExpired(s) })

	c.metrics.Inc(metrics.CallsInitiated)
	c.log.Info("call ringing", "call_id", callID, "caller_id", callerID, "receiver_id", receiverID)
}

// relayDescription forwards an offer or answer to the sender's counterpart,
// tagged with the sender's id.
func (c *Coordinator) relayDescription(senderID string, msg protocol.Inbound) {
	s, ok := c.sessions.Get(msg.CallID)
	if !ok || !s.Relayable() {
		c.drop(senderID, msg, "unknown call")
		return
	}
	otherID, ok := s.Counterpart(senderID)
	if !ok {
		c.drop(senderID, msg, "not a participant")
		return
	}
	out := protocol.RelayOffer(msg.CallID, msg.Offer, senderID)
	if msg.Type == protocol.TypeAnswer {
		out = protocol.RelayAnswer(msg.CallID, msg.Answer, senderID)
	}
	c.deliver(otherID, out, senderID, msg)
}

// relayCandidate forwards a candidate to its explicit target whenever that
// target is present. This is stricter than presence alone in one case: when
// the call id names a live session, sender and target must be its two
// participants, so a candidate cannot be injected into someone else's call.
// Unknown call ids are still relayed because callers trickle candidates
// before the receiver accepts.
func (c *Coordinator) relayCandidate(senderID string, msg protocol.Inbound) {
	targetID := msg.TargetUserID.String()
	if targetID == senderID {
		c.drop(senderID, msg, "candidate addressed to sender")
		return
	}
	if s, ok := c.sessions.Get(msg.CallID); ok {
		if other, ok := s.Counterpart(senderID); !ok || other != targetID {
			c.drop(senderID, msg, "target is not the counterpart")
			return
		}
	}
	c.deliver(targetID, protocol.RelayCandidate(msg.CallID, msg.Candidate, senderID), senderID, msg)
}

func (c *Coordinator) deliver(targetID string, out protocol.Message, senderID string, in protocol.Inbound) {
	h, ok := c.registry.Lookup(targetID)
	if !ok {
		c.drop(senderID, in, "target offline")
		return
	}
	if !h.Send(out) {
		c.drop(senderID, in, "target queue unavailable")
		return
	}
	c.metrics.Inc(metrics.FramesRelayed)
}

func (c *Coordinator) drop(senderID string, msg protocol.Inbound, why string) {
	c.metrics.Inc(metrics.FramesDropped)
	c.log.Debug("dropping frame", "type", msg.Type, "call_id", msg.CallID, "user_id", senderID, "reason", why)
}

func (c *Coordinator) accept(userID, callID string) {
	s, ok := c.sessions.Get(callID)
	if !ok || s.ReceiverID != userID {
		c.drop(userID, protocol.Inbound{Type: protocol.TypeCallAccepted, CallID: callID}, "not the receiver")
		return
	}
	if err := s.Apply(callsession.EventAccept, c.now()); err != nil {
		c.log.Debug("illegal transition", "call_id", callID, "user_id", userID, "err", err)
		return
	}
	c.stopTimer(callID)
	c.sendTo(s.CallerID, protocol.CallAccepted(callID))
	c.metrics.Inc(metrics.CallsAccepted)
	c.log.Info("call active", "call_id", callID, "caller_id", s.CallerID, "receiver_id", s.ReceiverID)
}

func (c *Coordinator) reject(userID, callID string) []callsession.Record {
	s, ok := c.sessions.Get(callID)
	if !ok || s.ReceiverID != userID {
		c.drop(userID, protocol.Inbound{Type: protocol.TypeCallRejected, CallID: callID}, "not the receiver")
		return nil
	}
	if err := s.Apply(callsession.EventReject, c.now()); err != nil {
		c.log.Debug("illegal transition", "call_id", callID, "user_id", userID, "err", err)
		return nil
	}
	s.EndReason = reasonRejected
	c.removeLocked(s)
	c.sendTo(s.CallerID, protocol.CallRejected(callID))
	c.metrics.Inc(metrics.CallsRejected)
	c.log.Info("call rejected", "call_id", callID, "caller_id", s.CallerID, "receiver_id", s.ReceiverID)
	return []callsession.Record{s.Record()}
}

// hangup ends a call at a participant's request. A caller ending a ringing
// call cancels it.
func (c *Coordinator) hangup(userID, callID string) []callsession.Record {
	s, ok := c.sessions.Get(callID)
	if !ok || !s.Participant(userID) {
		c.drop(userID, protocol.Inbound{Type: protocol.TypeCallEnd, CallID: callID}, "not a participant")
		return nil
	}
	return []callsession.Record{c.endLocked(s, callsession.EventEnd, reasonHangup, "", s.CallerID, s.ReceiverID)}
}

func (c *Coordinator) ringExpired(s *callsession.Session) {
	c.mu.Lock()
	cur, ok := c.sessions.Get(s.CallID)
	if !ok || cur != s || s.State() != callsession.StateRinging {
		c.mu.Unlock()
		return
	}
	c.metrics.Inc(metrics.RingTimeouts)
	rec := c.endLocked(s, callsession.EventTimeout, ReasonNoAnswer, ReasonNoAnswer, s.CallerID, s.ReceiverID)
	c.mu.Unlock()
	c.emit([]callsession.Record{rec})
}

// endLocked moves s to a terminal state, removes it and sends call-ended with
// wireReason to each of notify.
func (c *Coordinator) endLocked(s *callsession.Session, ev callsession.Event, reason, wireReason string, notify ...string) callsession.Record {
	if err := s.Apply(ev, c.now()); err != nil {
		c.log.Warn("ending call from unexpected state", "call_id", s.CallID, "state", s.State(), "err", err)
	}
	s.EndReason = reason
	c.removeLocked(s)

	ended := protocol.CallEnded(s.CallID, wireReason, s.Timing())
	for _, id := range notify {
		c.sendTo(id, ended)
	}
	c.metrics.Inc(metrics.CallsEnded)
	c.log.Info("call ended", "call_id", s.CallID, "caller_id", s.CallerID, "receiver_id", s.ReceiverID, "reason", reason)
	return s.Record()
}

func (c *Coordinator) removeLocked(s *callsession.Session) {
	c.sessions.Remove(s.CallID)
	c.stopTimer(s.CallID)
}

func (c *Coordinator) stopTimer(callID string) {
	if t, ok := c.timers[callID]; ok {
		t.Stop()
		delete(c.timers, callID)
	}
}

func (c *Coordinator) sendTo(userID string, msg protocol.Message) {
	if h, ok := c.registry.Lookup(userID); ok {
		h.Send(msg)
	}
}

func (c *Coordinator) notifyPresence(userID string, online bool) {
	if c.observer != nil {
		c.observer.PresenceChanged(userID, online)
	}
}

func (c *Coordinator) emit(records []callsession.Record) {
	if c.onEnded == nil {
		return
	}
	for _, r := range records {
		c.onEnded(r)
	}
}

// Close ends every session with reason "server shutdown" and closes every
// connection. Later Connect calls fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	var records []callsession.Record
	for _, s := range c.sessions.All() {
		records = append(records, c.endLocked(s, callsession.EventEnd, ReasonServerShutdown, ReasonServerShutdown, s.CallerID, s.ReceiverID))
	}
	entries := c.registry.Snapshot()
	c.registry = presence.NewRegistry()
	for _, e := range entries {
		c.notifyPresence(e.UserID, false)
		e.Handle.Close(ReasonServerShutdown)
	}
	c.mu.Unlock()

	c.log.Info("signaling coordinator closed", "connections", len(entries), "ended_calls", len(records))
	c.emit(records)
}

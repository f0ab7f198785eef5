package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

type testEnv struct {
	ts    *httptest.Server
	coord *Coordinator
	srv   *Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	dir := directory.NewMemory()
	if err := dir.Upsert(context.Background(), directory.User{ID: "banned", Banned: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cfg := Config{
		Coordinator:                   NewCoordinator(CoordinatorConfig{}),
		Verifier:                      auth.InsecureVerifier{},
		Bans:                          dir,
		SignalingAuthTimeout:          2 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 50,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coord := cfg.Coordinator
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		coord.Close()
		ts.Close()
	})
	return &testEnv{ts: ts, coord: coord, srv: srv}
}

func (e *testEnv) wsURL(path string, query url.Values) string {
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL("/signal", url.Values{"token": {token}}), nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", token, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	e.waitOnline(t, token)
	return c
}

func (e *testEnv) waitOnline(t *testing.T, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !e.coord.IsOnline(userID) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", userID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readUntil returns the next frame of type typ, skipping presence broadcasts
// and anything else in between.
func readUntil(t *testing.T, c *websocket.Conn, typ protocol.Type) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// expectClose reads until the server closes the socket and returns the close
// error.
func expectClose(t *testing.T, c *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("read error=%v, want a close frame", err)
		}
		return ce
	}
}

func newPionOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-webrtc.GatheringCompletePromise(pc)

	local := pc.LocalDescription()
	if local == nil {
		t.Fatalf("missing local offer")
	}
	return *local
}

func TestWebSocket_CallFlowRelaysPayloadsUntouched(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	if err := alice.WriteJSON(map[string]any{"type": "call-init", "callId": "c1", "receiverId": "bob"}); err != nil {
		t.Fatalf("write call-init: %v", err)
	}
	incoming := readUntil(t, bob, protocol.TypeIncomingCall)
	if incoming.CallID != "c1" || incoming.CallerID != "alice" {
		t.Fatalf("incoming-call=%+v", incoming)
	}

	if err := bob.WriteJSON(map[string]any{"type": "call-accepted", "callId": "c1"}); err != nil {
		t.Fatalf("write call-accepted: %v", err)
	}
	readUntil(t, alice, protocol.TypeCallAccepted)

	offer := newPionOffer(t)
	if err := alice.WriteJSON(map[string]any{"type": "offer", "callId": "c1", "offer": offer}); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	relayed := readUntil(t, bob, protocol.TypeOffer)
	if relayed.CallerID != "alice" {
		t.Fatalf("offer callerId=%q, want alice", relayed.CallerID)
	}
	var got webrtc.SessionDescription
	if err := json.Unmarshal(relayed.Offer, &got); err != nil {
		t.Fatalf("decode relayed offer: %v", err)
	}
	if got.Type != webrtc.SDPTypeOffer || got.SDP != offer.SDP {
		t.Fatalf("relayed offer differs from the original")
	}

	if err := bob.WriteJSON(map[string]any{
		"type":         "ice-candidate",
		"callId":       "c1",
		"targetUserId": "alice",
		"candidate":    map[string]any{"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
	}); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	cand := readUntil(t, alice, protocol.TypeICECandidate)
	if cand.FromUserID != "bob" || !strings.Contains(string(cand.Candidate), "192.0.2.1") {
		t.Fatalf("candidate=%+v", cand)
	}

	if err := alice.WriteJSON(map[string]any{"type": "call-end", "callId": "c1"}); err != nil {
		t.Fatalf("write call-end: %v", err)
	}
	readUntil(t, alice, protocol.TypeCallEnded)
	ended := readUntil(t, bob, protocol.TypeCallEnded)
	if ended.DurationSeconds == nil || ended.StartedAt == nil {
		t.Fatalf("call-ended missing timing: %+v", ended)
	}
	if _, ok := env.coord.Session("c1"); ok {
		t.Fatalf("session still present after call-end")
	}
}

func TestWebSocket_NumericUserIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	caller := env.dial(t, "7")
	receiver := env.dial(t, "42")

	if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"type":"call-init","callId":"c1","receiverId":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readUntil(t, receiver, protocol.TypeIncomingCall); msg.CallerID != "7" {
		t.Fatalf("incoming-call=%+v", msg)
	}
}

func TestWebSocket_PeerDisconnectEndsCall(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	if err := alice.WriteJSON(map[string]any{"type": "call-init", "callId": "c1", "receiverId": "bob"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, bob, protocol.TypeIncomingCall)

	_ = alice.Close()

	ended := readUntil(t, bob, protocol.TypeCallEnded)
	if ended.Reason != ReasonPeerDisconnected {
		t.Fatalf("reason=%q, want %q", ended.Reason, ReasonPeerDisconnected)
	}
	if offline := readUntil(t, bob, protocol.TypeUserOffline); offline.UserID != "alice" {
		t.Fatalf("user-offline=%+v", offline)
	}
}

func TestWebSocket_CallInitToOfflineUser(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")

	if err := alice.WriteJSON(map[string]any{"type": "call-init", "callId": "c1", "receiverId": "ghost"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readUntil(t, alice, protocol.TypeCallError); msg.Message != msgUserOffline {
		t.Fatalf("call-error=%+v", msg)
	}
}

func TestWebSocket_FirstFrameAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	bob := env.dial(t, "bob")

	c, _, err := websocket.DefaultDialer.Dial(env.wsURL("/socket", nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteJSON(map[string]any{"type": "auth", "token": "alice"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if msg := readUntil(t, bob, protocol.TypeUserOnline); msg.UserID != "alice" {
		t.Fatalf("user-online=%+v", msg)
	}
}

func TestWebSocket_AuthTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SignalingAuthTimeout = 100 * time.Millisecond })

	c, _, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ce := expectClose(t, c)
	if ce.Code != websocket.ClosePolicyViolation || ce.Text != "authentication timeout" {
		t.Fatalf("close=%v, want policy violation authentication timeout", ce)
	}
}

func TestWebSocket_FirstFrameMustBeAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteJSON(map[string]any{"type": "call-end", "callId": "c1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if msg := readUntil(t, c, protocol.TypeError); msg.Code != "unauthorized" {
		t.Fatalf("error=%+v, want unauthorized", msg)
	}
	if ce := expectClose(t, c); ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_RejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		url    string
		header http.Header
		status int
	}{
		{"invalid token", env.wsURL("/signal", url.Values{"token": {"has space"}}), nil, http.StatusUnauthorized},
		{"bad scheme", env.wsURL("/signal", nil), http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized},
		{"banned", env.wsURL("/signal", url.Values{"token": {"banned"}}), nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			if err == nil {
				_ = c.Close()
				t.Fatalf("dial succeeded, want status %d", tt.status)
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("resp=%v err=%v, want status %d", resp, err, tt.status)
			}
		})
	}
}

func TestWebSocket_BannedViaAuthFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteJSON(map[string]any{"type": "auth", "token": "banned"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readUntil(t, c, protocol.TypeError); msg.Code != "banned" {
		t.Fatalf("error=%+v, want banned", msg)
	}
	if env.coord.IsOnline("banned") {
		t.Fatalf("banned user registered")
	}
}

func TestWebSocket_InvalidFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "alice")

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","callId":"c1","offer":{"type":"answer","sdp":"v=0"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readUntil(t, c, protocol.TypeError); msg.Code != "bad_message" {
		t.Fatalf("error=%+v, want bad_message", msg)
	}
	if ce := expectClose(t, c); ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_BinaryFrameRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "alice")

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ce := expectClose(t, c); ce.Code != websocket.CloseUnsupportedData {
		t.Fatalf("close code=%d, want %d", ce.Code, websocket.CloseUnsupportedData)
	}
}

func TestWebSocket_MessageRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxSignalingMessagesPerSecond = 2 })
	c := env.dial(t, "alice")

	for i := 0; i < 5; i++ {
		if err := c.WriteJSON(map[string]any{"type": "call-end", "callId": "c1"}); err != nil {
			break
		}
	}
	if msg := readUntil(t, c, protocol.TypeError); msg.Code != "rate_limited" {
		t.Fatalf("error=%+v, want rate_limited", msg)
	}
}

func TestWebSocket_ReplacementClosesOldConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.dial(t, "alice")

	second, _, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", url.Values{"token": {"alice"}}), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	ce := expectClose(t, first)
	if ce.Code != websocket.CloseNormalClosure || ce.Text != ReasonReplaced {
		t.Fatalf("close=%v, want normal closure %q", ce, ReasonReplaced)
	}

	// The new connection stays registered after the old one is gone.
	time.Sleep(50 * time.Millisecond)
	if !env.coord.IsOnline("alice") {
		t.Fatalf("alice went offline when the replaced connection closed")
	}
}

func TestWebSocket_ReplacedConnectionCannotDriveCalls(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Coordinator = NewCoordinator(CoordinatorConfig{StalePolicy: config.StaleConnectionKeep})
	})
	old := env.dial(t, "alice")

	fresh, _, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", url.Values{"token": {"alice"}}), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer fresh.Close()
	bob := env.dial(t, "bob")

	if err := fresh.WriteJSON(map[string]any{"type": "call-init", "callId": "c1", "receiverId": "bob"}); err != nil {
		t.Fatalf("write call-init: %v", err)
	}
	readUntil(t, bob, protocol.TypeIncomingCall)
	if err := bob.WriteJSON(map[string]any{"type": "call-accepted", "callId": "c1"}); err != nil {
		t.Fatalf("write call-accepted: %v", err)
	}
	readUntil(t, fresh, protocol.TypeCallAccepted)

	if err := old.WriteJSON(map[string]any{"type": "call-end", "callId": "c1"}); err != nil {
		t.Fatalf("write call-end on replaced connection: %v", err)
	}
	// Each socket has its own reader, so give the stale frame time to land.
	time.Sleep(200 * time.Millisecond)
	rec, ok := env.coord.Session("c1")
	if !ok || rec.State != callsession.StateActive {
		t.Fatalf("Session(c1)=(%+v,%v), want active after call-end from the replaced connection", rec, ok)
	}

	if err := fresh.WriteJSON(map[string]any{"type": "call-end", "callId": "c1"}); err != nil {
		t.Fatalf("write call-end: %v", err)
	}
	readUntil(t, bob, protocol.TypeCallEnded)
}

func TestWebSocket_NullCandidateIsDroppedQuietly(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	if err := alice.WriteJSON(map[string]any{"type": "call-init", "callId": "c1", "receiverId": "bob"}); err != nil {
		t.Fatalf("write call-init: %v", err)
	}
	readUntil(t, bob, protocol.TypeIncomingCall)

	if err := alice.WriteJSON(map[string]any{"type": "ice-candidate", "callId": "c1", "targetUserId": "bob", "candidate": nil}); err != nil {
		t.Fatalf("write null candidate: %v", err)
	}
	if err := alice.WriteJSON(map[string]any{
		"type":         "ice-candidate",
		"callId":       "c1",
		"targetUserId": "bob",
		"candidate":    map[string]any{"candidate": "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
	}); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	cand := readUntil(t, bob, protocol.TypeICECandidate)
	if !strings.Contains(string(cand.Candidate), "192.0.2.1") {
		t.Fatalf("bob got candidate %s, want the non-null one", cand.Candidate)
	}
	if _, ok := env.coord.Session("c1"); !ok {
		t.Fatalf("call c1 ended after a null candidate")
	}
}

func TestWebSocket_MaxConnections(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConnections = 1 })
	env.dial(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/signal", url.Values{"token": {"bob"}}), nil)
	if err == nil {
		t.Fatalf("second connection accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestWebSocket_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "alice")

	env.coord.Close()

	ce := expectClose(t, c)
	if ce.Code != websocket.CloseGoingAway || ce.Text != ReasonServerShutdown {
		t.Fatalf("close=%v, want going away %q", ce, ReasonServerShutdown)
	}
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/ratelimit"
)

// BanChecker reports whether a user may not connect. directory.Directory
// satisfies it.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// Config wires the WebSocket transport to its collaborators.
type Config struct {
	Coordinator *Coordinator
	Verifier    auth.Verifier
	// Bans is consulted once per connection; nil skips the check.
	Bans             BanChecker
	DirectoryTimeout time.Duration

	// SignalingAuthTimeout bounds how long a connection that presented no
	// credential at upgrade time may take to send its auth frame.
	SignalingAuthTimeout time.Duration

	// SignalingWSIdleTimeout closes connections that send nothing (not even a
	// pong) for this long. SignalingWSPingInterval is how often the server
	// pings. Zero disables either.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLen                  int
	// MaxConnections caps concurrent sockets; 0 is unlimited.
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the signaling WebSocket endpoint:
//
//	GET /signal  (alias GET /socket)
//
// The credential comes from `Authorization: Bearer`, the `token` query
// parameter, or an `auth` frame sent first.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /socket", s.handleSignal)
}

// ActiveConnections reports the number of open sockets.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

func (s *Server) signalingAuthTimeout() time.Duration {
	if s.cfg.SignalingAuthTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.SignalingAuthTimeout
}

func (s *Server) maxSignalingMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.cfg.MaxSignalingMessageBytes
}

func (s *Server) maxSignalingMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond <= 0 {
		return 50
	}
	return s.cfg.MaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueLen() int {
	if s.cfg.SendQueueLen <= 0 {
		return 64
	}
	return s.cfg.SendQueueLen
}

func (s *Server) directoryTimeout() time.Duration {
	if s.cfg.DirectoryTimeout <= 0 {
		return 2 * time.Second
	}
	return s.cfg.DirectoryTimeout
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Coordinator == nil || s.cfg.Verifier == nil {
		http.Error(w, "signaling not configured", http.StatusInternalServerError)
		return
	}

	if limit := s.cfg.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		s.metrics.Inc(metrics.ConnectionsRejected)
		writeJSONError(w, http.StatusServiceUnavailable, "too_many_connections", "too many connections")
		return
	}

	// A credential presented with the upgrade is checked before upgrading so
	// the client gets a plain HTTP status.
	var userID string
	cred, err := auth.CredentialFromRequest(r)
	switch {
	case err == nil:
		id, err := s.cfg.Verifier.Verify(cred)
		if err != nil {
			s.metrics.Inc(metrics.AuthFailures)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		if s.banned(r.Context(), id.UserID) {
			writeJSONError(w, http.StatusForbidden, "banned", "Account is banned")
			return
		}
		userID = id.UserID
	case errors.Is(err, auth.ErrMissingCredentials):
	default:
		s.metrics.Inc(metrics.AuthFailures)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	wc := newWSConn(uuid.NewString(), conn, s.sendQueueLen(), s.cfg.SignalingWSPingInterval, s.log, s.metrics)
	go wc.writeLoop()
	defer func() {
		wc.Close("connection closed")
		<-wc.exited
	}()

	sess := &wsSession{
		srv:     s,
		conn:    conn,
		wc:      wc,
		userID:  userID,
		limiter: ratelimit.PerSecond(ratelimit.RealClock{}, s.maxSignalingMessagesPerSecond()),
	}
	sess.run(r.Context())
}

func (s *Server) banned(ctx context.Context, userID string) bool {
	if s.cfg.Bans == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.directoryTimeout())
	defer cancel()
	banned, err := s.cfg.Bans.IsBanned(ctx, userID)
	if err != nil {
		// Fail open: a directory outage must not lock everyone out.
		s.metrics.Inc(metrics.DirectoryErrors)
		s.log.Warn("ban check failed", "user_id", userID, "err", err)
		return false
	}
	if banned {
		s.metrics.Inc(metrics.BannedRejected)
	}
	return banned
}

// wsSession is the read side of one connection.
type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	wc      *wsConn
	userID  string
	limiter *ratelimit.Limiter
}

func (wss *wsSession) run(ctx context.Context) {
	s := wss.srv
	wss.conn.SetReadLimit(s.maxSignalingMessageBytes())

	idle := s.cfg.SignalingWSIdleTimeout
	extend := func() {
		if idle > 0 {
			_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
		}
	}
	authorized := wss.userID != ""
	// Pongs only count as activity once the connection is authenticated, so
	// they cannot stretch the auth deadline.
	wss.conn.SetPongHandler(func(string) error {
		if authorized {
			extend()
		}
		return nil
	})

	if authorized {
		if !wss.register() {
			return
		}
		extend()
	} else {
		_ = wss.conn.SetReadDeadline(time.Now().Add(s.signalingAuthTimeout()))
	}
	defer func() {
		if wss.userID != "" {
			s.cfg.Coordinator.Release(wss.userID, wss.wc)
		}
	}()

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case !authorized && isTimeout(err):
				s.metrics.Inc(metrics.AuthFailures)
				wss.wc.shutdown(websocket.ClosePolicyViolation, "authentication timeout", false)
			case isTimeout(err):
				wss.wc.shutdown(websocket.CloseNormalClosure, "idle timeout", false)
			}
			return
		}
		if authorized {
			extend()
		}
		// Rate limiting happens after the read so the client reliably sees the
		// close frame instead of a reset caused by unread data.
		if !wss.limiter.Allow() {
			s.metrics.Inc(metrics.MessagesRateLimited)
			wss.wc.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ProtocolErrors)
			wss.wc.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.Parse(data)
		if authorized && errors.Is(err, protocol.ErrNullCandidate) {
			s.metrics.Inc(metrics.FramesDropped)
			continue
		}
		if err != nil {
			s.metrics.Inc(metrics.ProtocolErrors)
			wss.wc.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != protocol.TypeAuth {
				s.metrics.Inc(metrics.AuthFailures)
				wss.wc.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			id, err := s.cfg.Verifier.Verify(msg.Token)
			if err != nil {
				s.metrics.Inc(metrics.AuthFailures)
				wss.wc.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			if s.banned(ctx, id.UserID) {
				wss.wc.fail("banned", "Account is banned", websocket.ClosePolicyViolation, "banned")
				return
			}
			wss.userID = id.UserID
			if !wss.register() {
				return
			}
			authorized = true
			_ = wss.conn.SetReadDeadline(time.Time{})
			extend()
			continue
		}

		if msg.Type == protocol.TypeAuth {
			// Tolerated: clients may repeat auth after query-string auth.
			continue
		}
		s.cfg.Coordinator.HandleEventFrom(wss.userID, wss.wc, msg)
	}
}

func (wss *wsSession) register() bool {
	if err := wss.srv.cfg.Coordinator.Connect(wss.userID, wss.wc); err != nil {
		wss.userID = ""
		wss.wc.fail("shutting_down", "server is shutting down", websocket.CloseGoingAway, ReasonServerShutdown)
		return false
	}
	wss.srv.log.Debug("signaling connection open", "user_id", wss.userID, "conn_id", wss.wc.ID())
	return true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

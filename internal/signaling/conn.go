package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/protocol"
)

const wsWriteWait = 1 * time.Second

const reasonSlowConsumer = "send queue full"

// wsConn is the presence.Handle for one WebSocket. Frames are queued on a
// bounded channel and written by a single writer goroutine; Send never
// blocks. A connection whose queue fills up is closed.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	queue  chan []byte
	done   chan struct{}
	exited chan struct{}

	pingInterval time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	flush       bool
}

func newWSConn(id string, conn *websocket.Conn, queueLen int, pingInterval time.Duration, logger *slog.Logger, m *metrics.Metrics) *wsConn {
	if queueLen <= 0 {
		queueLen = 1
	}
	return &wsConn{
		id:           id,
		conn:         conn,
		queue:        make(chan []byte, queueLen),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		pingInterval: pingInterval,
		log:          logger,
		metrics:      m,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode signaling frame", "conn_id", c.id, "type", msg.Type, "err", err)
		return false
	}

	select {
	case c.queue <- data:
		return true
	case <-c.done:
		return false
	default:
		c.metrics.Inc(metrics.SlowConsumerDropped)
		c.log.Warn("closing slow signaling connection", "conn_id", c.id)
		c.shutdown(websocket.CloseTryAgainLater, reasonSlowConsumer, false)
		return false
	}
}

// Close flushes already queued frames, then sends a close frame with reason.
func (c *wsConn) Close(reason string) {
	code := websocket.CloseNormalClosure
	if reason == ReasonServerShutdown {
		code = websocket.CloseGoingAway
	}
	c.shutdown(code, reason, true)
}

// fail queues an error frame and closes the connection right after it.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	c.Send(protocol.Error(code, message))
	c.shutdown(closeCode, closeReason, true)
}

func (c *wsConn) shutdown(code int, reason string, flush bool) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.flush = flush
		close(c.done)
	})
}

// writeLoop owns every data write on the socket. It returns once the
// connection has been shut down and the underlying socket closed.
func (c *wsConn) writeLoop() {
	defer close(c.exited)
	defer c.conn.Close()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "write failed", false)
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "ping failed", false)
				return
			}
		case <-c.done:
			if c.flush {
				c.drain()
			}
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

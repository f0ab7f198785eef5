package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
)

const defaultPresenceQueueLen = 1024

type presenceUpdate struct {
	userID string
	online bool
}

// PresenceSync mirrors presence transitions into a PresenceWriter from a single
// background worker, so updates for one user are applied in the order they
// were observed and the signaling path never waits on the database.
type PresenceSync struct {
	w       PresenceWriter
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan presenceUpdate
	done   chan struct{}
}

func NewPresenceSync(w PresenceWriter, timeout time.Duration, queueLen int, logger *slog.Logger, m *metrics.Metrics) *PresenceSync {
	if logger == nil {
		logger = slog.Default()
	}
	if queueLen <= 0 {
		queueLen = defaultPresenceQueueLen
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p := &PresenceSync{
		w:       w,
		timeout: timeout,
		log:     logger,
		metrics: m,
		queue:   make(chan presenceUpdate, queueLen),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// PresenceChanged enqueues a transition without blocking. When the queue is
// full the update is dropped, logged and counted.
func (p *PresenceSync) PresenceChanged(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- presenceUpdate{userID: userID, online: online}:
	default:
		p.metrics.Inc(metrics.PresenceSyncDropped)
		p.log.Warn("presence sync queue full; dropping update", "user_id", userID, "online", online)
	}
}

func (p *PresenceSync) run() {
	defer close(p.done)
	for u := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.w.SetOnline(ctx, u.userID, u.online); err != nil {
			p.log.Warn("presence sync failed", "user_id", u.userID, "online", u.online, "err", err)
		}
		cancel()
	}
}

// Close stops accepting updates and waits for queued ones to be written.
func (p *PresenceSync) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

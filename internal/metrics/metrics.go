package metrics

import "sync"

// Event counter names.
const (
	ConnectionsOpened    = "connections_opened"
	ConnectionsRejected  = "connections_rejected"
	ConnectionsReplaced  = "connections_replaced"
	AuthFailures         = "auth_failures"
	BannedRejected       = "banned_rejected"
	MessagesRateLimited  = "messages_rate_limited"
	ProtocolErrors       = "protocol_errors"
	SlowConsumerDropped  = "slow_consumer_dropped"
	CallsInitiated       = "calls_initiated"
	CallsAccepted        = "calls_accepted"
	CallsRejected        = "calls_rejected"
	CallsEnded           = "calls_ended"
	CallErrors           = "call_errors"
	RingTimeouts         = "ring_timeouts"
	FramesRelayed        = "frames_relayed"
	FramesDropped        = "frames_dropped"
	MatchRequests        = "match_requests"
	MatchFound           = "match_found"
	MatchNotFound        = "match_not_found"
	MatchRateLimited     = "match_rate_limited"
	DirectoryErrors      = "directory_errors"
	PresenceSyncDropped  = "presence_sync_dropped"
	ICECredentialsIssued = "ice_credentials_issued"
)

// Metrics is a concurrency-safe counter registry plus a set of gauges that
// are sampled at scrape time.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() float64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() float64),
	}
}

// Inc and Add are no-ops on a nil *Metrics so components can run without a
// registry in tests.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetGauge registers fn to be sampled for gauge name on every scrape,
// replacing any previous registration.
func (m *Metrics) SetGauge(name string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

func (m *Metrics) sampleGauges() map[string]float64 {
	m.mu.Lock()
	fns := make(map[string]func() float64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	// Gauge callbacks may take other locks; never call them under m.mu.
	out := make(map[string]float64, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

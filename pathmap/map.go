// Package pathmap maintains the shared directory of established path
// secrets, keyed by peer address and by secret id, and drives the
// handshake that publishes new entries into it.
package pathmap

import (
	"container/list"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/pathsec/commons/config"
	"github.com/bridgefall/pathsec/commons/logger"
	"github.com/bridgefall/pathsec/credentials"
	"github.com/bridgefall/pathsec/internal/ratelimiter"
	"github.com/bridgefall/pathsec/wire"
)

const (
	defaultCapacity          = 4096
	defaultRehandshakePeriod = 12 * time.Hour
	defaultLogInterval       = 10 * time.Second
)

// Options configures a Map. The zero value picks the defaults, so the
// struct can be loaded straight from JSON.
type Options struct {
	Capacity          int             `json:"capacity"`
	RehandshakePeriod config.Duration `json:"rehandshake_period"`
	ControlRatePPS    int             `json:"control_rate_pps"`
	ControlRateBurst  int             `json:"control_rate_burst"`
	LogInterval       config.Duration `json:"log_interval"`
}

// LoadOptions reads map options from a JSON file.
func LoadOptions(path string) (Options, error) {
	var opts Options
	err := config.LoadJSONFile(path, &opts)
	return opts, err
}

// Map is the concurrently-accessed directory of path secret entries
// with bounded capacity and least-recently-used eviction. Lookups may
// return a slightly stale entry; registration is last-writer-wins per
// peer while each handshake attempt publishes its entry exactly once.
type Map struct {
	mu       sync.Mutex
	byAddr   map[netip.AddrPort]*list.Element
	byID     map[credentials.ID]*list.Element
	order    *list.List
	capacity int

	signer      *Signer
	rehandshake time.Duration
	limiter     *ratelimiter.Ratelimiter
	metrics     *Metrics
	logger      *slog.Logger
	logLimiter  *logLimiter
	appData     func(TLSSession) (ApplicationData, bool, error)
}

// New builds a map with the given stateless reset signer key. A nil
// log defaults to a pathmap-tagged component logger.
func New(signerKey [32]byte, opts Options, log *slog.Logger, m *Metrics) *Map {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	rehandshake := opts.RehandshakePeriod.Duration
	if rehandshake <= 0 {
		rehandshake = defaultRehandshakePeriod
	}
	logInterval := opts.LogInterval.Duration
	if logInterval <= 0 {
		logInterval = defaultLogInterval
	}
	if log == nil {
		log = logger.Component("pathmap")
	}
	var rl *ratelimiter.Ratelimiter
	if opts.ControlRatePPS > 0 {
		rl = &ratelimiter.Ratelimiter{}
		rl.Init(opts.ControlRatePPS, opts.ControlRateBurst)
	}
	return &Map{
		byAddr:      make(map[netip.AddrPort]*list.Element, capacity),
		byID:        make(map[credentials.ID]*list.Element, capacity),
		order:       list.New(),
		capacity:    capacity,
		signer:      NewSigner(signerKey),
		rehandshake: rehandshake,
		limiter:     rl,
		metrics:     m,
		logger:      log,
		logLimiter:  newLogLimiter(logInterval),
	}
}

// Close releases background resources.
func (m *Map) Close() {
	if m.limiter != nil {
		m.limiter.Close()
	}
}

// Signer returns the stateless reset signer.
func (m *Map) Signer() *Signer { return m.signer }

// RehandshakePeriod returns how long entries may live before their
// owners should re-handshake.
func (m *Map) RehandshakePeriod() time.Duration { return m.rehandshake }

// SetApplicationDataHook installs the callback used to fetch opaque
// application data when path secrets become ready. The bool reports
// whether data is present; absent data is never bound to the entry,
// even when the payload is non-nil. Must be set before handshakes run.
func (m *Map) SetApplicationDataHook(fn func(TLSSession) (ApplicationData, bool, error)) {
	m.appData = fn
}

// ApplicationData invokes the application data hook, if any.
func (m *Map) ApplicationData(sess TLSSession) (ApplicationData, bool, error) {
	if m.appData == nil {
		return nil, false, nil
	}
	return m.appData(sess)
}

// OnNewPathSecrets registers a freshly-built entry. A concurrent
// handshake to the same peer simply overwrites: last writer wins.
func (m *Map) OnNewPathSecrets(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byAddr[e.Peer()]; ok {
		m.removeLocked(old)
	}
	if old, ok := m.byID[e.ID()]; ok {
		m.removeLocked(old)
	}
	elem := m.order.PushFront(e)
	m.byAddr[e.Peer()] = elem
	m.byID[e.ID()] = elem
	if m.metrics != nil {
		m.metrics.Entries.Set(int64(m.order.Len()))
	}
	for m.order.Len() > m.capacity {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.removeLocked(back)
		if m.metrics != nil {
			m.metrics.Evictions.Add(1)
		}
	}
}

// OnHandshakeComplete marks the entry's handshake as finished.
func (m *Map) OnHandshakeComplete(e *Entry) {
	m.mu.Lock()
	if elem, ok := m.byID[e.ID()]; ok {
		m.order.MoveToFront(elem)
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.HandshakesCompleted.Add(1)
		if m.metrics.HandshakeLatency != nil {
			m.metrics.HandshakeLatency.Add(time.Since(e.createdAt))
		}
	}
}

// ByAddr looks up the entry for a peer address.
func (m *Map) ByAddr(addr netip.AddrPort) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.byAddr[addr]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(elem)
	return elem.Value.(*Entry), true
}

// ByID looks up the entry for a path secret id.
func (m *Map) ByID(id credentials.ID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(elem)
	return elem.Value.(*Entry), true
}

// Len returns the number of registered entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Remove drops an entry from both indexes.
func (m *Map) Remove(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.byID[e.ID()]; ok && elem.Value.(*Entry) == e {
		m.removeLocked(elem)
	}
}

func (m *Map) removeLocked(elem *list.Element) {
	e := elem.Value.(*Entry)
	if cur, ok := m.byAddr[e.Peer()]; ok && cur == elem {
		delete(m.byAddr, e.Peer())
	}
	if cur, ok := m.byID[e.ID()]; ok && cur == elem {
		delete(m.byID, e.ID())
	}
	m.order.Remove(elem)
	if m.metrics != nil {
		m.metrics.Entries.Set(int64(m.order.Len()))
	}
}

// OnPossibleSecretControlPacket tries to interpret a datagram as a
// secret-control packet. It reports true only when the datagram
// decodes fully with no trailing bytes, so the transport layer knows
// not to process it as ordinary traffic.
func (m *Map) OnPossibleSecretControlPacket(from netip.AddrPort, payload []byte) bool {
	pkt, rest, err := wire.Parse(payload)
	if err != nil {
		return false
	}
	if len(rest) != 0 {
		// A well-formed control packet never carries trailing bytes;
		// let the datagram fall through to normal processing.
		m.logDrop("control_trailing_bytes", from, "control packet with trailing bytes")
		return false
	}
	m.HandleControlPacket(pkt, from)
	return true
}

// HandleControlPacket dispatches a decoded secret-control packet.
func (m *Map) HandleControlPacket(pkt *wire.ControlPacket, from netip.AddrPort) {
	entry, ok := m.ByID(pkt.Credentials.ID)
	if !ok {
		if m.metrics != nil {
			m.metrics.ControlUnknownEntry.Add(1)
		}
		m.logDrop("control_unknown_entry", from, "control packet for unknown path secret")
		return
	}
	switch pkt.Type {
	case wire.TypeStaleKey:
		if err := pkt.Verify(entry.controlOpener); err != nil {
			m.authFailure(from)
			return
		}
		entry.sender.UpdateMinKeyID(pkt.Value)
		if m.metrics != nil {
			m.metrics.ControlStaleKey.Add(1)
		}
	case wire.TypeReplayDetected:
		if err := pkt.Verify(entry.controlOpener); err != nil {
			m.authFailure(from)
			return
		}
		entry.replayObserved.Store(true)
		if m.metrics != nil {
			m.metrics.ControlReplayDetected.Add(1)
		}
		m.logDrop("replay_detected", from, "peer reported replay")
	case wire.TypeUnknownPathSecret:
		token := Token(pkt.Token)
		if !entry.StatelessResetToken().Equal(token) {
			m.authFailure(from)
			return
		}
		// The peer lost the secret: the path is dead until the owner
		// re-handshakes.
		m.Remove(entry)
		if m.metrics != nil {
			m.metrics.ControlUnknownPathSecret.Add(1)
		}
	}
}

// UnknownPathSecretResponse builds the response for a datagram whose
// credentials match no entry, rate limited per peer address. ok is
// false when the limiter suppressed the response.
func (m *Map) UnknownPathSecretResponse(creds credentials.Credentials, from netip.AddrPort) ([]byte, bool) {
	if m.limiter != nil && !m.limiter.Allow(from.Addr()) {
		if m.metrics != nil {
			m.metrics.ControlRateLimited.Add(1)
		}
		return nil, false
	}
	token := m.signer.Sign(creds.ID)
	pkt := &wire.ControlPacket{
		Type:        wire.TypeUnknownPathSecret,
		Credentials: credentials.Credentials{ID: creds.ID},
		Token:       token,
	}
	out, err := pkt.AppendTo(nil)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (m *Map) authFailure(from netip.AddrPort) {
	if m.metrics != nil {
		m.metrics.ControlAuthFailures.Add(1)
	}
	m.logDrop("control_auth_failure", from, "control packet failed authentication")
}

func (m *Map) logDrop(reason string, from netip.AddrPort, msg string) {
	if m.logLimiter == nil || !m.logLimiter.Allow(reason, time.Now()) {
		return
	}
	m.logger.Warn("pathmap drop", "reason", reason, "addr", from.String(), "msg", msg)
}

package pathmap

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/bridgefall/pathsec/credentials"
	"github.com/bridgefall/pathsec/replay"
	"github.com/bridgefall/pathsec/schedule"
	"github.com/bridgefall/pathsec/wire"
)

// Entry binds one established path secret to its sending and receiving
// halves. It is constructed once per handshake attempt and shared by
// reference between the owning connection and the map; everything but
// the replay window and the datagram size is immutable.
type Entry struct {
	secret          *schedule.Secret
	peer            netip.AddrPort
	sender          *senderState
	window          *replay.Window
	params          ApplicationParams
	maxDatagramSize atomic.Uint32
	rehandshake     time.Duration
	appData         ApplicationData
	createdAt       time.Time
	controlSealer   *schedule.SealKey
	controlOpener   *schedule.OpenKey
	replayObserved  atomic.Bool
}

// NewEntry builds an entry from a finished schedule and the peer's
// stateless reset token.
func NewEntry(secret *schedule.Secret, peer netip.AddrPort, peerToken Token, params ApplicationParams, rehandshake time.Duration, appData ApplicationData) *Entry {
	e := &Entry{
		secret:        secret,
		peer:          peer,
		sender:        newSenderState(peerToken),
		window:        replay.NewWindow(),
		params:        params,
		rehandshake:   rehandshake,
		appData:       appData,
		createdAt:     time.Now(),
		controlSealer: secret.ControlSealer(),
		controlOpener: secret.ControlOpener(),
	}
	e.maxDatagramSize.Store(uint32(params.MaxDatagramSize))
	return e
}

// ID returns the stable path secret id.
func (e *Entry) ID() credentials.ID { return e.secret.ID() }

// Secret returns the path's key schedule.
func (e *Entry) Secret() *schedule.Secret { return e.secret }

// Peer returns the remote address the entry was established with.
func (e *Entry) Peer() netip.AddrPort { return e.peer }

// StatelessResetToken returns the token the peer advertised.
func (e *Entry) StatelessResetToken() Token { return e.sender.token }

// ApplicationData returns the opaque data bound at handshake time.
func (e *Entry) ApplicationData() ApplicationData { return e.appData }

// RehandshakePeriod returns how long the secret may live before the
// owner should re-handshake.
func (e *Entry) RehandshakePeriod() time.Duration { return e.rehandshake }

// NextKeyID allocates the key id for the next locally-sent packet.
func (e *Entry) NextKeyID() (uint64, error) { return e.sender.NextKeyID() }

// PostAuthentication must be called once per received packet after its
// AEAD tag verified. It is the sole replay gate for the path.
func (e *Entry) PostAuthentication(c credentials.Credentials) error {
	return e.window.PostAuthentication(c)
}

// PreAuthentication is the cheap pre-decrypt hook of the replay
// window.
func (e *Entry) PreAuthentication(c credentials.Credentials) error {
	return e.window.PreAuthentication(c)
}

// MinimumUnseenKeyID reports the next key id expected from the peer.
func (e *Entry) MinimumUnseenKeyID() uint64 { return e.window.MinimumUnseenKeyID() }

// UpdateMaxDatagramSize records a path MTU change.
func (e *Entry) UpdateMaxDatagramSize(size uint16) {
	e.maxDatagramSize.Store(uint32(size))
}

// MaxDatagramSize returns the current path datagram budget.
func (e *Entry) MaxDatagramSize() uint16 {
	return uint16(e.maxDatagramSize.Load())
}

// ReplayObserved reports whether a peer signalled a definite replay on
// this path. The owner should schedule a rehandshake when set.
func (e *Entry) ReplayObserved() bool { return e.replayObserved.Load() }

// StaleKeyPacket builds a sealed stale-key control packet telling the
// peer which key id to resume from.
func (e *Entry) StaleKeyPacket() ([]byte, error) {
	p := &wire.ControlPacket{
		Type:        wire.TypeStaleKey,
		Credentials: credentials.Credentials{ID: e.ID()},
		Nonce:       e.sender.nextControlNonce(),
		Value:       e.MinimumUnseenKeyID(),
	}
	return p.Seal(nil, e.controlSealer)
}

// ReplayDetectedPacket builds a sealed replay-detected control packet
// for the rejected key id.
func (e *Entry) ReplayDetectedPacket(rejectedKeyID uint64) ([]byte, error) {
	p := &wire.ControlPacket{
		Type:        wire.TypeReplayDetected,
		Credentials: credentials.Credentials{ID: e.ID()},
		Nonce:       e.sender.nextControlNonce(),
		Value:       rejectedKeyID,
	}
	return p.Seal(nil, e.controlSealer)
}

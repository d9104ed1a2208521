package pathmap

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/bridgefall/pathsec/schedule"
)

// TLSExporterLabel is the RFC 8446 exporter label the path secret is
// derived under.
const TLSExporterLabel = "EXPERIMENTAL EXPORTER s2n-quic-dc"

// TLSSession is the slice of the TLS layer this package consumes: the
// keying material exporter and the negotiated cipher suite.
type TLSSession interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
	CipherSuite() uint16
}

// ConnectionInfo describes a connection attempt at path creation time.
type ConnectionInfo struct {
	RemoteAddr netip.AddrPort
	Version    uint32
	Role       schedule.Role
	Params     ApplicationParams
}

type handshakeState uint8

const (
	stateAwaitingSecrets handshakeState = iota
	stateSecretsReady
	stateEntryReady
	stateComplete
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case stateAwaitingSecrets:
		return "awaiting_secrets"
	case stateSecretsReady:
		return "secrets_ready"
	case stateEntryReady:
		return "entry_ready"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// HandshakingPath drives one connection attempt from "secrets not
// ready" to a published map entry. Its callbacks arrive from the TLS
// callback path and the datagram-processing path, so a single mutex
// serializes every transition; contention per attempt is effectively
// zero. The secret field is non-nil strictly between secrets-ready and
// entry construction, after which it moves into the entry for good.
type HandshakingPath struct {
	mu      sync.Mutex
	state   handshakeState
	info    ConnectionInfo
	pathMap *Map
	secret  *schedule.Secret
	appData ApplicationData
	entry   *Entry
	err     error
}

// NewHandshakingPath starts a handshake attempt against the shared
// map.
func NewHandshakingPath(info ConnectionInfo, m *Map) *HandshakingPath {
	return &HandshakingPath{info: info, pathMap: m}
}

// OnPathSecretsReady consumes the TLS session outputs: it exports the
// path secret, maps the negotiated cipher suite, builds the key
// schedule, and returns the local stateless reset token to advertise.
// Failures are fatal to this attempt.
func (p *HandshakingPath) OnPathSecretsReady(sess TLSSession) ([]Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateAwaitingSecrets {
		return nil, p.fail(fmt.Errorf("%w: secrets ready in state %s", ErrInvalidTransition, p.state))
	}

	appData, present, err := p.pathMap.ApplicationData(sess)
	if err != nil {
		return nil, p.fail(applicationError("application data hook", err))
	}
	if !present {
		appData = nil
	}

	exported, err := sess.ExportKeyingMaterial(TLSExporterLabel, nil, schedule.ExportedSecretLen)
	if err != nil {
		return nil, p.fail(internalError("tls exporter", err))
	}
	if len(exported) != schedule.ExportedSecretLen {
		return nil, p.fail(internalError(fmt.Sprintf("tls exporter returned %d bytes", len(exported)), nil))
	}
	suite, err := schedule.CiphersuiteFromTLS(sess.CipherSuite())
	if err != nil {
		return nil, p.fail(internalError("cipher suite", err))
	}

	var material [schedule.ExportedSecretLen]byte
	copy(material[:], exported)
	p.secret = schedule.New(suite, p.info.Version, p.info.Role, &material)
	p.appData = appData
	p.state = stateSecretsReady
	return []Token{p.pathMap.Signer().Sign(p.secret.ID())}, nil
}

// OnPeerStatelessResetTokens consumes the peer's advertised tokens,
// builds the entry, and publishes it into the map. Only the first
// token is used.
// TODO: consume additional tokens once the sender half tracks more
// than one stateless reset token.
func (p *HandshakingPath) OnPeerStatelessResetTokens(tokens []Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateSecretsReady {
		return p.fail(fmt.Errorf("%w: peer tokens in state %s", ErrInvalidTransition, p.state))
	}
	if len(tokens) == 0 {
		return p.fail(internalError("no stateless reset tokens", nil))
	}

	entry := NewEntry(p.secret, p.info.RemoteAddr, tokens[0], p.info.Params, p.pathMap.RehandshakePeriod(), p.appData)
	p.secret = nil
	p.entry = entry
	p.state = stateEntryReady
	p.pathMap.OnNewPathSecrets(entry)
	return nil
}

// OnHandshakeComplete finishes the attempt and notifies the map.
func (p *HandshakingPath) OnHandshakeComplete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateEntryReady {
		return p.fail(fmt.Errorf("%w: handshake complete in state %s", ErrInvalidTransition, p.state))
	}
	p.state = stateComplete
	p.pathMap.OnHandshakeComplete(p.entry)
	return nil
}

// OnMTUUpdated forwards a path MTU change to the entry. It is a no-op
// before the entry exists.
func (p *HandshakingPath) OnMTUUpdated(mtu uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entry != nil {
		p.entry.UpdateMaxDatagramSize(mtu)
	}
}

// Entry returns the published entry once the peer tokens arrived.
func (p *HandshakingPath) Entry() (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry, p.entry != nil
}

// TakeError returns and clears the sticky attempt error.
func (p *HandshakingPath) TakeError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

// fail records the sticky error and moves the attempt to the absorbing
// failed state. Callers hold the mutex.
func (p *HandshakingPath) fail(err error) error {
	p.state = stateFailed
	p.err = err
	return err
}

package schedule

import (
	"encoding/binary"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"

	"github.com/bridgefall/pathsec/credentials"
)

// ExportedSecretLen is the number of bytes consumed from the TLS
// exporter.
const ExportedSecretLen = 32

// Role is the endpoint's side of the TLS negotiation.
type Role uint8

const (
	Client Role = iota
	Server
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Client {
		return Server
	}
	return Client
}

func (r Role) label() []byte {
	if r == Client {
		return []byte(" client")
	}
	return []byte(" server")
}

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Initiator says which endpoint opened the logical flow a key pair
// protects.
type Initiator uint8

const (
	InitiatorLocal Initiator = iota
	InitiatorRemote
)

var (
	labelID   = []byte(" pid")
	labelBidi = []byte(" bidi")
	labelUni  = []byte(" uni")
	labelCtl  = []byte(" ctl")
)

// Secret owns the HKDF pseudo-random key derived from a TLS-exported
// secret. It is immutable after construction and safe to share across
// goroutines without synchronization. Exactly one Secret exists per
// established path.
type Secret struct {
	suite   Ciphersuite
	version uint32
	role    Role
	prk     []byte
	id      credentials.ID
}

// New extracts an HKDF key from the exported secret and self-derives
// the stable path secret id. Identical inputs always produce an
// identical schedule.
func New(suite Ciphersuite, version uint32, role Role, exported *[ExportedSecretLen]byte) *Secret {
	s := &Secret{
		suite:   suite,
		version: version,
		role:    role,
		prk:     hkdf.Extract(suite.hash(), exported[:], nil),
	}
	s.expand(s.id[:], labelID, nil, nil)
	return s
}

// ID returns the stable 16-byte path secret identifier.
func (s *Secret) ID() credentials.ID { return s.id }

// Ciphersuite returns the negotiated suite.
func (s *Secret) Ciphersuite() Ciphersuite { return s.suite }

// Version returns the negotiated dc version.
func (s *Secret) Version() uint32 { return s.version }

// Role returns the local endpoint's role.
func (s *Secret) Role() Role { return s.role }

// expand runs HKDF-expand with the label layout shared by every
// derivation: output length byte, purpose tag, direction label, then
// the optional big-endian key id.
func (s *Secret) expand(out, purpose, direction, keyID []byte) {
	if len(out) > 0xff {
		panic("schedule: derivation output too long")
	}
	var b cryptobyte.Builder
	b.AddUint8(uint8(len(out)))
	b.AddBytes(purpose)
	b.AddBytes(direction)
	b.AddBytes(keyID)
	info := b.BytesOrPanic()
	if _, err := io.ReadFull(hkdf.Expand(s.suite.hash(), s.prk, info), out); err != nil {
		panic("schedule: hkdf expand failed: " + err.Error())
	}
}

func keyIDBytes(keyID uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], keyID)
	return b[:]
}

// AppPair derives both directions of an application bidirectional key
// at once and returns them oriented for the local endpoint: the sealer
// protects locally-sent packets, the opener verifies peer packets. The
// initiator argument must name the same endpoint on both sides for the
// derived halves to line up.
func (s *Secret) AppPair(keyID uint64, initiator Initiator) (*SealKey, *OpenKey) {
	origin := s.role
	if initiator == InitiatorRemote {
		origin = s.role.Peer()
	}
	k := s.suite.keyLen()
	out := make([]byte, 2*(k+NonceLen))
	s.expand(out, labelBidi, origin.label(), keyIDBytes(keyID))

	clientKey := out[:k]
	serverKey := out[k : 2*k]
	clientIV := out[2*k : 2*k+NonceLen]
	serverIV := out[2*k+NonceLen:]

	creds := credentials.Credentials{ID: s.id, KeyID: keyID}
	if s.role == Client {
		return newSealKey(s.suite, clientKey, clientIV, creds),
			newOpenKey(s.suite, serverKey, serverIV, creds)
	}
	return newSealKey(s.suite, serverKey, serverIV, creds),
		newOpenKey(s.suite, clientKey, clientIV, creds)
}

// AppSealer derives a unidirectional sealing key for locally-sent
// application packets under the given key id.
func (s *Secret) AppSealer(keyID uint64) *SealKey {
	key, iv := s.deriveOne(labelUni, s.role, keyID)
	return newSealKey(s.suite, key, iv, credentials.Credentials{ID: s.id, KeyID: keyID})
}

// AppOpener derives the unidirectional opening key matching the peer's
// sealer for the given key id.
func (s *Secret) AppOpener(keyID uint64) *OpenKey {
	key, iv := s.deriveOne(labelUni, s.role.Peer(), keyID)
	return newOpenKey(s.suite, key, iv, credentials.Credentials{ID: s.id, KeyID: keyID})
}

// ControlSealer derives the sealing key for outbound secret-control
// packets. Control traffic always uses key id 0.
func (s *Secret) ControlSealer() *SealKey {
	key, iv := s.deriveOne(labelCtl, s.role, 0)
	return newSealKey(s.suite, key, iv, credentials.Credentials{ID: s.id})
}

// ControlOpener derives the opening key for inbound secret-control
// packets.
func (s *Secret) ControlOpener() *OpenKey {
	key, iv := s.deriveOne(labelCtl, s.role.Peer(), 0)
	return newOpenKey(s.suite, key, iv, credentials.Credentials{ID: s.id})
}

func (s *Secret) deriveOne(purpose []byte, direction Role, keyID uint64) (key, iv []byte) {
	k := s.suite.keyLen()
	out := make([]byte, k+NonceLen)
	s.expand(out, purpose, direction.label(), keyIDBytes(keyID))
	return out[:k], out[k:]
}

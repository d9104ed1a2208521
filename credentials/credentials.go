package credentials

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// IDLen is the wire size of a path secret identifier.
const IDLen = 16

// MaxKeyID is the largest key id representable as a QUIC varint.
const MaxKeyID = uint64(quicvarint.Max)

var errTruncated = errors.New("credentials: truncated buffer")

// ID identifies a path secret. It is stable for the lifetime of the
// derived secret and never reused across secrets.
type ID [IDLen]byte

// String returns the hex form of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Credentials key every datagram and secret-control packet: the stable
// path secret id plus the per-packet key id. Control traffic always
// carries key id 0.
type Credentials struct {
	ID    ID
	KeyID uint64
}

// AppendTo appends the wire form: 16 id bytes followed by the key id
// as a QUIC varint.
func (c Credentials) AppendTo(b []byte) ([]byte, error) {
	if c.KeyID > MaxKeyID {
		return b, fmt.Errorf("credentials: key id %d exceeds varint range", c.KeyID)
	}
	b = append(b, c.ID[:]...)
	return quicvarint.Append(b, c.KeyID), nil
}

// Parse reads credentials from the front of b and returns the
// remaining bytes.
func Parse(b []byte) (Credentials, []byte, error) {
	var c Credentials
	if len(b) < IDLen {
		return c, b, errTruncated
	}
	copy(c.ID[:], b[:IDLen])
	keyID, n, err := quicvarint.Parse(b[IDLen:])
	if err != nil {
		return c, b, fmt.Errorf("credentials: key id: %w", err)
	}
	c.KeyID = keyID
	return c, b[IDLen+n:], nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("%s/%d", c.ID, c.KeyID)
}

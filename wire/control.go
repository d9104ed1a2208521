// Package wire encodes and decodes the out-of-band secret-control
// packets exchanged between path secret maps.
package wire

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/bridgefall/pathsec/credentials"
	"github.com/bridgefall/pathsec/schedule"
)

// ControlType identifies a secret-control packet.
type ControlType uint8

const (
	// TypeStaleKey tells the peer its key id is behind the receiver's
	// window and carries the minimum unseen key id to resume from.
	TypeStaleKey ControlType = iota + 1
	// TypeReplayDetected reports a definite replay observed for the
	// carried key id.
	TypeReplayDetected
	// TypeUnknownPathSecret reports that the sender holds no secret
	// for the credentials; it is authenticated by the stateless reset
	// token instead of the control keys.
	TypeUnknownPathSecret
)

// TokenLen is the wire size of a stateless reset token.
const TokenLen = 16

var errTruncated = errors.New("wire: truncated control packet")

func (t ControlType) String() string {
	switch t {
	case TypeStaleKey:
		return "stale_key"
	case TypeReplayDetected:
		return "replay_detected"
	case TypeUnknownPathSecret:
		return "unknown_path_secret"
	default:
		return fmt.Sprintf("control(%d)", uint8(t))
	}
}

// ControlPacket is the decoded form of a secret-control packet.
//
// StaleKey and ReplayDetected carry a nonce, a varint value (minimum
// unseen key id, or the rejected key id) and an AEAD tag produced by
// the sender's control sealer over the preceding bytes. The nonce
// keeps control tags unique under the long-lived key id 0 control key.
// UnknownPathSecret carries the stateless reset token instead.
type ControlPacket struct {
	Type        ControlType
	Credentials credentials.Credentials
	Nonce       uint64
	Value       uint64
	Token       [TokenLen]byte
	Tag         [schedule.TagLen]byte
}

// AppendTo appends the wire form of the packet. The Tag field must
// already be populated (see Seal).
func (p *ControlPacket) AppendTo(b []byte) ([]byte, error) {
	b, err := p.appendHeader(b)
	if err != nil {
		return b, err
	}
	switch p.Type {
	case TypeUnknownPathSecret:
		return b, nil
	default:
		return append(b, p.Tag[:]...), nil
	}
}

// appendHeader appends everything covered by the control tag.
func (p *ControlPacket) appendHeader(b []byte) ([]byte, error) {
	b = append(b, byte(p.Type))
	b, err := p.Credentials.AppendTo(b)
	if err != nil {
		return b, err
	}
	switch p.Type {
	case TypeStaleKey, TypeReplayDetected:
		b = quicvarint.Append(b, p.Nonce)
		b = quicvarint.Append(b, p.Value)
		return b, nil
	case TypeUnknownPathSecret:
		return append(b, p.Token[:]...), nil
	default:
		return b, fmt.Errorf("wire: unknown control type %d", p.Type)
	}
}

// Seal computes the control tag with the sender's control sealer and
// returns the complete packet appended to b.
func (p *ControlPacket) Seal(b []byte, sealer *schedule.SealKey) ([]byte, error) {
	header, err := p.appendHeader(nil)
	if err != nil {
		return b, err
	}
	var tag [schedule.TagLen]byte
	if err := sealer.Seal(p.Nonce, header, tag[:], nil); err != nil {
		return b, err
	}
	p.Tag = tag
	b = append(b, header...)
	return append(b, tag[:]...), nil
}

// Verify checks the control tag with the receiver's control opener.
func (p *ControlPacket) Verify(opener *schedule.OpenKey) error {
	header, err := p.appendHeader(nil)
	if err != nil {
		return err
	}
	_, err = opener.OpenInPlace(p.Nonce, header, append([]byte(nil), p.Tag[:]...))
	return err
}

// Parse decodes a control packet from the front of b and returns the
// remaining bytes. Callers reject packets with trailing bytes.
func Parse(b []byte) (*ControlPacket, []byte, error) {
	if len(b) == 0 {
		return nil, b, errTruncated
	}
	p := &ControlPacket{Type: ControlType(b[0])}
	switch p.Type {
	case TypeStaleKey, TypeReplayDetected, TypeUnknownPathSecret:
	default:
		return nil, b, fmt.Errorf("wire: unknown control type %d", b[0])
	}
	rest := b[1:]

	creds, rest, err := credentials.Parse(rest)
	if err != nil {
		return nil, b, err
	}
	p.Credentials = creds

	switch p.Type {
	case TypeUnknownPathSecret:
		if len(rest) < TokenLen {
			return nil, b, errTruncated
		}
		copy(p.Token[:], rest[:TokenLen])
		return p, rest[TokenLen:], nil
	default:
		nonce, n, err := quicvarint.Parse(rest)
		if err != nil {
			return nil, b, fmt.Errorf("wire: nonce: %w", err)
		}
		rest = rest[n:]
		value, n, err := quicvarint.Parse(rest)
		if err != nil {
			return nil, b, fmt.Errorf("wire: value: %w", err)
		}
		rest = rest[n:]
		if len(rest) < schedule.TagLen {
			return nil, b, errTruncated
		}
		p.Nonce = nonce
		p.Value = value
		copy(p.Tag[:], rest[:schedule.TagLen])
		return p, rest[schedule.TagLen:], nil
	}
}

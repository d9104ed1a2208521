package pathmap

import (
	"errors"
	"sync/atomic"

	"github.com/bridgefall/pathsec/credentials"
)

// ErrKeySpaceExhausted reports that the path has consumed every usable
// key id; the only recovery is a fresh handshake.
var ErrKeySpaceExhausted = errors.New("pathmap: key id space exhausted")

// senderState is the sending half of a path: the peer's stateless
// reset token plus the monotonic key id allocator.
type senderState struct {
	token        Token
	nextKeyID    atomic.Uint64
	controlNonce atomic.Uint64
}

func newSenderState(token Token) *senderState {
	return &senderState{token: token}
}

// NextKeyID allocates the next key id. Every allocation under one
// secret is unique; exhausting the varint space fails permanently.
func (s *senderState) NextKeyID() (uint64, error) {
	for {
		cur := s.nextKeyID.Load()
		if cur > credentials.MaxKeyID {
			return 0, ErrKeySpaceExhausted
		}
		if s.nextKeyID.CompareAndSwap(cur, cur+1) {
			return cur, nil
		}
	}
}

// UpdateMinKeyID raises the allocation floor in response to a
// stale-key packet. It never lowers it.
func (s *senderState) UpdateMinKeyID(min uint64) {
	for {
		cur := s.nextKeyID.Load()
		if min <= cur || s.nextKeyID.CompareAndSwap(cur, min) {
			return
		}
	}
}

// nextControlNonce allocates a unique nonce for control packet tags.
func (s *senderState) nextControlNonce() uint64 {
	return s.controlNonce.Add(1) - 1
}

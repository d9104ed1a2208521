package pathmap

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2s"

	"github.com/bridgefall/pathsec/credentials"
)

// TokenLen is the wire size of a stateless reset token.
const TokenLen = 16

// Token is a stateless reset token advertised during the handshake and
// echoed back in unknown-path-secret packets.
type Token [TokenLen]byte

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Equal compares tokens in constant time.
func (t Token) Equal(other Token) bool {
	return subtle.ConstantTimeCompare(t[:], other[:]) == 1
}

// Signer derives stateless reset tokens from path secret ids under a
// long-lived local key, so tokens can be recomputed without per-path
// state.
type Signer struct {
	key [32]byte
}

// NewSigner builds a signer from a 32-byte key.
func NewSigner(key [32]byte) *Signer {
	return &Signer{key: key}
}

// Sign returns the token for a path secret id. The same id always
// signs to the same token under one key.
func (s *Signer) Sign(id credentials.ID) Token {
	var out Token
	h, err := blake2s.New128(s.key[:])
	if err != nil {
		panic(err)
	}
	h.Write(id[:])
	copy(out[:], h.Sum(nil))
	return out
}

package schedule

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"fmt"
	"hash"
)

// NonceLen is the AEAD nonce size shared by both suites.
const NonceLen = 12

// TagLen is the AEAD authentication tag size shared by both suites.
const TagLen = 16

// Ciphersuite selects the AEAD algorithm and the HKDF hash used by a
// path secret.
type Ciphersuite uint8

const (
	AESGCM128SHA256 Ciphersuite = iota + 1
	AESGCM256SHA384
)

// CiphersuiteFromTLS maps a negotiated TLS 1.3 suite to a Ciphersuite.
// Suites outside the supported set are rejected.
func CiphersuiteFromTLS(id uint16) (Ciphersuite, error) {
	switch id {
	case tls.TLS_AES_128_GCM_SHA256:
		return AESGCM128SHA256, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return AESGCM256SHA384, nil
	default:
		return 0, fmt.Errorf("schedule: unsupported cipher suite 0x%04x", id)
	}
}

func (c Ciphersuite) hash() func() hash.Hash {
	switch c {
	case AESGCM128SHA256:
		return sha256.New
	case AESGCM256SHA384:
		return sha512.New384
	default:
		panic("schedule: unknown cipher suite")
	}
}

func (c Ciphersuite) keyLen() int {
	switch c {
	case AESGCM128SHA256:
		return 16
	case AESGCM256SHA384:
		return 32
	default:
		panic("schedule: unknown cipher suite")
	}
}

// newAEAD builds the suite's AEAD from a derived key. Key lengths are
// fixed by construction, so failures are programmer errors.
func (c Ciphersuite) newAEAD(key []byte) cipher.AEAD {
	if len(key) != c.keyLen() {
		panic("schedule: derived key length mismatch")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

func (c Ciphersuite) String() string {
	switch c {
	case AESGCM128SHA256:
		return "AES_GCM_128_SHA256"
	case AESGCM256SHA384:
		return "AES_GCM_256_SHA384"
	default:
		return fmt.Sprintf("Ciphersuite(%d)", uint8(c))
	}
}

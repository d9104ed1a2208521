package schedule

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/bridgefall/pathsec/credentials"
)

// ErrInvalidTag is the only cryptographic failure surfaced by Open:
// wrong key, corrupted ciphertext, and tampered header all collapse
// into it so failures leak nothing about the cause.
var ErrInvalidTag = errors.New("schedule: invalid authentication tag")

// ErrBufferTooSmall reports a caller-supplied buffer that cannot hold
// the requested output.
var ErrBufferTooSmall = errors.New("schedule: buffer too small")

// iv is the fixed base IV a per-packet nonce value is XORed into.
type iv [NonceLen]byte

// nonce XORs the big-endian nonce value into the trailing bytes of the
// base IV. Callers must never reuse a nonce value under one key.
func (v *iv) nonce(n uint64) [NonceLen]byte {
	out := *v
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], n)
	for i := 0; i < 8; i++ {
		out[NonceLen-8+i] ^= ctr[i]
	}
	return out
}

type key struct {
	creds credentials.Credentials
	aead  cipher.AEAD
	iv    iv
}

// RetransmissionTag seals the original packet number as associated
// data under a nonce keyed by the retransmission packet number and
// XORs the resulting tag into tag. The combined tag binds a
// retransmitted packet to its original transmission without a second
// pass over the payload.
func (k *key) RetransmissionTag(originalNonce, retransmissionNonce uint64, tag []byte) error {
	if len(tag) != TagLen {
		return ErrBufferTooSmall
	}
	var aad [8]byte
	binary.BigEndian.PutUint64(aad[:], originalNonce)
	n := k.iv.nonce(retransmissionNonce)
	var scratch [TagLen]byte
	out := k.aead.Seal(scratch[:0], n[:], nil, aad[:])
	for i := range tag {
		tag[i] ^= out[i]
	}
	return nil
}

// SealKey protects packets sent under one (direction, key id). It is
// immutable and safe for concurrent use, but nonce uniqueness is the
// caller's responsibility.
type SealKey struct {
	key
}

func newSealKey(suite Ciphersuite, keyBytes, ivBytes []byte, creds credentials.Credentials) *SealKey {
	k := &SealKey{key{creds: creds, aead: suite.newAEAD(keyBytes)}}
	copy(k.iv[:], ivBytes)
	return k
}

// Credentials returns the credentials the key was derived for.
func (k *SealKey) Credentials() credentials.Credentials { return k.creds }

// Seal encrypts packet in place with header as associated data. The
// packet buffer holds the plaintext payload followed by room for the
// extra segment and the tag; extra is copied after the payload and
// authenticated together with it. The layout avoids a second
// encryption pass when metadata is appended to a finished packet.
func (k *SealKey) Seal(nonce uint64, header, packet, extra []byte) error {
	if len(packet) < TagLen+len(extra) {
		return ErrBufferTooSmall
	}
	split := len(packet) - TagLen - len(extra)
	copy(packet[split:], extra)
	plain := packet[:split+len(extra)]
	n := k.iv.nonce(nonce)
	k.aead.Seal(plain[:0], n[:], plain, header)
	return nil
}

// OpenKey verifies and decrypts packets received under one
// (direction, key id). Immutable and safe for concurrent use.
type OpenKey struct {
	key
}

func newOpenKey(suite Ciphersuite, keyBytes, ivBytes []byte, creds credentials.Credentials) *OpenKey {
	k := &OpenKey{key{creds: creds, aead: suite.newAEAD(keyBytes)}}
	copy(k.iv[:], ivBytes)
	return k
}

// Credentials returns the credentials the key was derived for.
func (k *OpenKey) Credentials() credentials.Credentials { return k.creds }

// Open decrypts payloadAndTag into out. out must hold the plaintext,
// which is TagLen shorter than the input.
func (k *OpenKey) Open(nonce uint64, header, payloadAndTag, out []byte) error {
	if len(payloadAndTag) < TagLen {
		return ErrInvalidTag
	}
	if len(out) < len(payloadAndTag)-TagLen {
		return ErrBufferTooSmall
	}
	n := k.iv.nonce(nonce)
	if _, err := k.aead.Open(out[:0], n[:], payloadAndTag, header); err != nil {
		return ErrInvalidTag
	}
	return nil
}

// OpenInPlace decrypts payloadAndTag in place and returns the
// plaintext slice.
func (k *OpenKey) OpenInPlace(nonce uint64, header, payloadAndTag []byte) ([]byte, error) {
	if len(payloadAndTag) < TagLen {
		return nil, ErrInvalidTag
	}
	n := k.iv.nonce(nonce)
	plain, err := k.aead.Open(payloadAndTag[:0], n[:], payloadAndTag, header)
	if err != nil {
		return nil, ErrInvalidTag
	}
	return plain, nil
}

// Package aesgcm drives the standard library's AES-GCM through an
// explicit decrypt-then-digest cycle. The stock cipher.AEAD refuses to
// release unauthenticated plaintext; a recovery tool needs the
// plaintext either way, with the tag reported separately so the caller
// can decide what a mismatch means.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
)

const (
	// IVSize is the GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Cipher holds one AES-GCM message in flight. A message is processed as
// exactly one SetIV / AddAAD / Decrypt / Digest cycle; SetIV discards
// all state of the previous message.
type Cipher struct {
	block  cipher.Block
	aead   cipher.AEAD
	iv     [IVSize]byte
	stream cipher.Stream
	aad    []byte
	plain  []byte
	sealed []byte
}

// New creates a Cipher for an AES-128/192/256 key.
func New(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("bad AES key size %d (want 16, 24 or 32)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES setup: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM setup: %w", err)
	}
	return &Cipher{block: block, aead: aead}, nil
}

// SetIV starts a new message. iv must be IVSize bytes.
func (c *Cipher) SetIV(iv []byte) {
	if len(iv) != IVSize {
		panic("aesgcm: bad IV length")
	}
	copy(c.iv[:], iv)
	// GCM with a 96-bit nonce encrypts the data stream in CTR mode
	// starting at counter block IV || 0x00000002; IV || 0x00000001 is
	// reserved for the tag.
	var ctr [aes.BlockSize]byte
	copy(ctr[:], iv)
	ctr[aes.BlockSize-1] = 2
	c.stream = cipher.NewCTR(c.block, ctr[:])
	c.aad = c.aad[:0]
	c.plain = c.plain[:0]
}

// AddAAD feeds additional authenticated data into the current message.
// All AAD must be in place before the first Decrypt call.
func (c *Cipher) AddAAD(aad []byte) {
	c.aad = append(c.aad, aad...)
}

// Decrypt transforms src into dst with the message's keystream. It is a
// pure transformation and authenticates nothing; call Digest afterwards
// and compare. May be called repeatedly to stream one message.
func (c *Cipher) Decrypt(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
	c.plain = append(c.plain, dst[:len(src)]...)
}

// Digest writes the GCM tag of the message processed so far into tag,
// which must be TagSize bytes.
func (c *Cipher) Digest(tag []byte) {
	if len(tag) != TagSize {
		panic("aesgcm: bad tag length")
	}
	c.sealed = c.aead.Seal(c.sealed[:0], c.iv[:], c.plain, c.aad)
	copy(tag, c.sealed[len(c.plain):])
}

// Equal compares two tags in constant time.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Package crypto provides the hybrid envelope encryption used on the SPCM
// remote-control channel. Every message carries a fresh AES-128 session key
// wrapped with RSA-OAEP for the recipient, followed by the EAX nonce, the
// authentication tag and the ciphertext.
package crypto

import (
	"errors"
)

const (
	// DefaultKeyBits is the RSA modulus size used for session keypairs.
	DefaultKeyBits = 2048

	// MinKeyBits is the smallest modulus accepted by NewKeypair.
	MinKeyBits = 1024

	// SessionKeySize is the size of the per-message AES key in bytes.
	SessionKeySize = 16

	// NonceSize is the size of the EAX nonce in bytes.
	NonceSize = 16

	// TagSize is the size of the EAX authentication tag in bytes.
	TagSize = 16

	// BlockSize is the AES block size used for padding.
	BlockSize = 16

	// EnvelopeOverhead is the fixed overhead after the wrapped session key:
	// nonce (16) + tag (16).
	EnvelopeOverhead = NonceSize + TagSize
)

var (
	// ErrCrypto is returned when key generation or encryption fails.
	ErrCrypto = errors.New("crypto operation failed")

	// ErrAuthentication is returned when an envelope fails authentication,
	// either because it was tampered with or because it was sealed for a
	// different key.
	ErrAuthentication = errors.New("envelope authentication failed")

	// ErrFormat is returned when an envelope or its padding is malformed.
	ErrFormat = errors.New("malformed envelope")

	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("invalid key material")
)

// ZeroBytes zeroes out a byte slice so that session keys do not linger in
// memory after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

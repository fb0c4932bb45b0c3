package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

// MinEnvelopeSize returns the smallest envelope that can be opened with a
// key of keySize bytes: wrapped session key + nonce + tag.
func MinEnvelopeSize(keySize int) int {
	return keySize + EnvelopeOverhead
}

// Seal encrypts plaintext so that only the holder of the private key
// matching pub can read it. The output format is:
//
//	wrapped_session_key (pub.Size() bytes) || nonce (16) || tag (16) || ciphertext
//
// A fresh session key and nonce are generated on every call.
func Seal(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: no recipient public key", ErrCrypto)
	}

	sessionKey := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, fmt.Errorf("%w: generate session key: %v", ErrCrypto, err)
	}
	defer ZeroBytes(sessionKey)

	wrapped, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap session key: %v", ErrCrypto, err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrCrypto, err)
	}
	aead, err := NewEAX(block)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}

	padded := Pad(plaintext)
	sealed := aead.Seal(nil, nonce[:], padded, nil)
	ciphertext := sealed[:len(padded)]
	tag := sealed[len(padded):]

	// Build output: wrapped_key || nonce || tag || ciphertext
	out := make([]byte, 0, len(wrapped)+EnvelopeOverhead+len(ciphertext))
	out = append(out, wrapped...)
	out = append(out, nonce[:]...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return out, nil
}

// Open decrypts an envelope produced by Seal. The wrapped session key length
// is taken from the size of priv. Returns ErrFormat if the envelope is too
// short or badly padded, and ErrAuthentication if the session key cannot be
// unwrapped or the tag does not verify.
func Open(priv *rsa.PrivateKey, envelope []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", ErrCrypto)
	}

	n := priv.Size()
	if len(envelope) < MinEnvelopeSize(n) {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrFormat, len(envelope), MinEnvelopeSize(n))
	}

	wrapped := envelope[:n]
	nonce := envelope[n : n+NonceSize]
	tag := envelope[n+NonceSize : n+EnvelopeOverhead]
	ciphertext := envelope[n+EnvelopeOverhead:]

	sessionKey, err := rsa.DecryptOAEP(sha1.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", ErrAuthentication, err)
	}
	defer ZeroBytes(sessionKey)

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: session key: %v", ErrFormat, err)
	}
	aead, err := NewEAX(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	padded, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		if errors.Is(err, errOpen) {
			return nil, ErrAuthentication
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return Unpad(padded)
}

// Box pairs the local keypair with the peer's public key, in the manner of
// a sealed box: it can always open envelopes addressed to us, and can seal
// once the peer key is known.
type Box struct {
	local *Keypair
	peer  *rsa.PublicKey
}

// NewBox creates a box for the local keypair with no peer key yet.
func NewBox(local *Keypair) *Box {
	return &Box{local: local}
}

// SetPeer records the peer public key used to seal outgoing messages.
func (b *Box) SetPeer(pub *rsa.PublicKey) {
	b.peer = pub
}

// Peer returns the peer public key, or nil before the handshake completes.
func (b *Box) Peer() *rsa.PublicKey {
	return b.peer
}

// Local returns the local keypair.
func (b *Box) Local() *Keypair {
	return b.local
}

// CanSeal returns true once a peer key has been set.
func (b *Box) CanSeal() bool {
	return b.peer != nil
}

// Seal encrypts plaintext for the peer.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b.peer == nil {
		return nil, fmt.Errorf("%w: peer public key not set", ErrCrypto)
	}
	return Seal(b.peer, plaintext)
}

// Open decrypts an envelope addressed to the local key.
func (b *Box) Open(envelope []byte) ([]byte, error) {
	return Open(b.local.PrivateKey, envelope)
}

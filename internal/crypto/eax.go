package crypto

import (
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
)

// eax implements the EAX authenticated encryption mode (Bellare, Rogaway,
// Wagner) on top of a 128-bit block cipher. Nonces are NonceSize bytes and
// tags are TagSize bytes, matching the peer implementation.
type eax struct {
	block  cipher.Block
	k1, k2 [BlockSize]byte
}

var errOpen = errors.New("eax: message authentication failed")

// NewEAX returns an AEAD using EAX mode over the given block cipher.
func NewEAX(block cipher.Block) (cipher.AEAD, error) {
	if block.BlockSize() != BlockSize {
		return nil, fmt.Errorf("%w: eax requires a %d-byte block cipher", ErrCrypto, BlockSize)
	}

	e := &eax{block: block}

	// CMAC subkeys
	var l [BlockSize]byte
	block.Encrypt(l[:], l[:])
	e.k1 = double(l)
	e.k2 = double(e.k1)

	return e, nil
}

func (e *eax) NonceSize() int { return NonceSize }

func (e *eax) Overhead() int { return TagSize }

// Seal encrypts and authenticates plaintext and appends the result to dst.
// The output is ciphertext || tag.
func (e *eax) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	if len(nonce) != NonceSize {
		panic("crypto: incorrect nonce length given to EAX")
	}

	n := e.omac(0, nonce)
	h := e.omac(1, additionalData)

	ret, out := sliceForAppend(dst, len(plaintext)+TagSize)
	cipher.NewCTR(e.block, n[:]).XORKeyStream(out, plaintext)

	c := e.omac(2, out[:len(plaintext)])
	tag := out[len(plaintext):]
	for i := range tag {
		tag[i] = n[i] ^ h[i] ^ c[i]
	}

	return ret
}

// Open authenticates and decrypts ciphertext || tag and appends the
// plaintext to dst.
func (e *eax) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		panic("crypto: incorrect nonce length given to EAX")
	}
	if len(ciphertext) < TagSize {
		return nil, errOpen
	}

	body := ciphertext[:len(ciphertext)-TagSize]
	tag := ciphertext[len(ciphertext)-TagSize:]

	n := e.omac(0, nonce)
	h := e.omac(1, additionalData)
	c := e.omac(2, body)

	var expected [TagSize]byte
	for i := range expected {
		expected[i] = n[i] ^ h[i] ^ c[i]
	}
	if subtle.ConstantTimeCompare(expected[:], tag) != 1 {
		return nil, errOpen
	}

	ret, out := sliceForAppend(dst, len(body))
	cipher.NewCTR(e.block, n[:]).XORKeyStream(out, body)

	return ret, nil
}

// omac computes OMAC^t(data), which is CMAC over the block [t] || data.
func (e *eax) omac(t byte, data []byte) [BlockSize]byte {
	msg := make([]byte, BlockSize, BlockSize+len(data))
	msg[BlockSize-1] = t
	msg = append(msg, data...)
	return e.cmac(msg)
}

// cmac computes CMAC over a non-empty message.
func (e *eax) cmac(msg []byte) [BlockSize]byte {
	var x [BlockSize]byte

	rem := len(msg) % BlockSize
	lastStart := len(msg) - rem
	if rem == 0 {
		lastStart = len(msg) - BlockSize
	}

	for i := 0; i < lastStart; i += BlockSize {
		subtle.XORBytes(x[:], x[:], msg[i:i+BlockSize])
		e.block.Encrypt(x[:], x[:])
	}

	var last [BlockSize]byte
	copy(last[:], msg[lastStart:])
	if rem == 0 {
		subtle.XORBytes(last[:], last[:], e.k1[:])
	} else {
		last[rem] = 0x80
		subtle.XORBytes(last[:], last[:], e.k2[:])
	}

	subtle.XORBytes(x[:], x[:], last[:])
	e.block.Encrypt(x[:], x[:])

	return x
}

// double multiplies a block by x in GF(2^128).
func double(in [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	carry := in[0] >> 7
	for i := 0; i < BlockSize-1; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[BlockSize-1] = in[BlockSize-1]<<1 ^ 0x87*carry
	return out
}

// sliceForAppend extends in by n bytes and returns the whole slice and the
// newly added tail.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

const (
	pemTypePrivate      = "RSA PRIVATE KEY"
	pemTypePublic       = "PUBLIC KEY"
	pemTypePKCS1Public  = "RSA PUBLIC KEY"
	pemTypePKCS8Private = "PRIVATE KEY"
)

// Keypair is an RSA keypair generated for a single remote-control session.
// It must never be reused across connections.
type Keypair struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// NewKeypair generates a fresh RSA keypair with the given modulus size.
// A bits value of zero selects DefaultKeyBits.
func NewKeypair(bits int) (*Keypair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d below minimum %d", ErrCrypto, bits, MinKeyBits)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate rsa key: %v", ErrCrypto, err)
	}

	return &Keypair{
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
	}, nil
}

// Size returns the modulus size in bytes. It is also the length of the
// wrapped session key at the start of every envelope sealed for this key.
func (k *Keypair) Size() int {
	return k.PrivateKey.Size()
}

// PrivatePEM exports the private key as a PKCS#1 PEM block.
func (k *Keypair) PrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemTypePrivate,
		Bytes: x509.MarshalPKCS1PrivateKey(k.PrivateKey),
	})
}

// PublicPEM exports the public key as a SubjectPublicKeyInfo PEM block.
// This is the form sent to the peer during the handshake.
func (k *Keypair) PublicPEM() ([]byte, error) {
	return MarshalPublicKey(k.PublicKey)
}

// MarshalPublicKey encodes an RSA public key as a SubjectPublicKeyInfo PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %v", ErrCrypto, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der}), nil
}

// ParsePublicKey decodes an RSA public key from PEM (SubjectPublicKeyInfo or
// PKCS#1) or from raw DER.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
		if block.Type == pemTypePKCS1Public {
			pub, err := x509.ParsePKCS1PublicKey(der)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return pub, nil
		}
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key (%T)", ErrInvalidKey, key)
		}
		return pub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognised public key encoding", ErrInvalidKey)
	}
	return pub, nil
}

// ParsePrivateKey decodes an RSA private key from a PKCS#1 or PKCS#8 PEM block.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	switch block.Type {
	case pemTypePrivate:
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return priv, nil
	case pemTypePKCS8Private:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key (%T)", ErrInvalidKey, key)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// Fingerprint returns the SHA-256 digest of the DER-encoded public key,
// formatted as "SHA256:<base64>".
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: marshal public key: %v", ErrInvalidKey, err)
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

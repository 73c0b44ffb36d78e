package command

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer produces signatures over entry bytes for the local author.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a signature over entry bytes against an author public key.
type Verifier interface {
	Verify(data, signature []byte, publicKey [32]byte) bool
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	private ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(private ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{private: private}
}

// GenerateKeypair creates a fresh Ed25519 keypair, returning the signer and
// the 32-byte public key for the author record.
func GenerateKeypair() (*Ed25519Signer, [32]byte, error) {
	var pub [32]byte
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, pub, fmt.Errorf("generate keypair: %w", err)
	}
	copy(pub[:], public)
	return &Ed25519Signer{private: private}, pub, nil
}

// Sign signs the given bytes.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	if len(s.private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(s.private))
	}
	return ed25519.Sign(s.private, data), nil
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify checks the signature against the public key.
func (Ed25519Verifier) Verify(data, signature []byte, publicKey [32]byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), data, signature)
}

// NoopSigner emits a fixed placeholder signature. Test use only.
type NoopSigner struct{}

// Sign returns a constant marker.
func (NoopSigner) Sign(data []byte) ([]byte, error) {
	return []byte("noop"), nil
}

// NoopVerifier accepts every signature. Test use only.
type NoopVerifier struct{}

// Verify always succeeds.
func (NoopVerifier) Verify(data, signature []byte, publicKey [32]byte) bool {
	return true
}

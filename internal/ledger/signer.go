package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"medledger/internal/models"
)

// Signer holds an ed25519 keypair able to sign transactions. It is plain
// read-only data once constructed and safe to share across workers.
type Signer struct {
	priv ed25519.PrivateKey
	pub  models.PublicKey
}

// NewSignerFromSeed builds a signer from a 32-byte hex-encoded seed, the
// form the seed takes in configuration.
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newSigner(priv), nil
}

// GenerateSigner creates a fresh keypair. Each created batch gets its own
// account keypair, generated at submission time.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return newSigner(priv), nil
}

func newSigner(priv ed25519.PrivateKey) *Signer {
	var pk models.PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return &Signer{priv: priv, pub: pk}
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() models.PublicKey {
	return s.pub
}

// Address is the base58 text form of the public key.
func (s *Signer) Address() string {
	return s.pub.String()
}

// Sign produces an ed25519 signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

package models

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// PublicKeySize is the byte length of every key and address on the ledger.
const PublicKeySize = 32

// PublicKey is a raw 32-byte ledger key. Its text form is base58.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a base58 string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("public key %q is %d bytes, want %d", s, len(raw), PublicKeySize)
	}
	copy(pk[:], raw)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero reports whether the key is all zeroes.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// MarshalText implements encoding.TextMarshaler so keys render as base58
// in JSON responses.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// OwnershipEntry is one step in a batch's chain of custody.
type OwnershipEntry struct {
	Owner PublicKey `json:"owner"`
	At    time.Time `json:"at"`
}

// BatchRecord is the decoded on-chain state of a medicine batch.
// OwnershipHistory is append-only and in chronological order; once any
// transfer has happened its last entry matches CurrentOwner.
type BatchRecord struct {
	BatchID          string           `json:"batch_id"`
	Manufacturer     PublicKey        `json:"manufacturer"`
	CurrentOwner     PublicKey        `json:"current_owner"`
	CreatedAt        time.Time        `json:"created_at"`
	OwnershipHistory []OwnershipEntry `json:"ownership_history"`
	IsActive         bool             `json:"is_active"`
}

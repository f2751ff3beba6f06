// Package codec is the single place the ledger program's binary layouts are
// defined. Instructions are a tagged union: a one-byte variant tag followed
// by the variant's fields. Strings travel as a u32 little-endian byte length
// plus UTF-8 bytes; keys are raw 32 bytes; timestamps are i64 little-endian
// seconds. All call sites build and parse ledger bytes through this package.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"medledger/internal/models"
)

// Instruction variant tags. The on-chain program treats anything outside
// this set as an unknown instruction, so they form a closed enum here.
const (
	TagCreateBatch       byte = 0
	TagTransferOwnership byte = 1
)

// MaxStringLen caps length-prefixed strings. The on-chain account is sized
// at creation, so an oversized batch id could never be stored anyway.
const MaxStringLen = 1024

// EncodeError reports malformed input to an encoder. It is always a caller
// error and is never worth retrying.
type EncodeError struct {
	Field  string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %s", e.Field, e.Reason)
}

// DecodeError reports an account buffer too short or internally
// inconsistent for the documented layout.
type DecodeError struct {
	Field  string
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %s", e.Field, e.Offset, e.Reason)
}

// EncodeCreateBatch builds the create-batch instruction: tag 0, then the
// batch id and manufacturer as length-prefixed UTF-8 strings. Lengths count
// bytes, not runes.
func EncodeCreateBatch(batchID, manufacturer string) ([]byte, error) {
	if batchID == "" {
		return nil, &EncodeError{Field: "batch_id", Reason: "must not be empty"}
	}
	if len(batchID) > MaxStringLen {
		return nil, &EncodeError{Field: "batch_id", Reason: fmt.Sprintf("%d bytes exceeds max %d", len(batchID), MaxStringLen)}
	}
	if manufacturer == "" {
		return nil, &EncodeError{Field: "manufacturer", Reason: "must not be empty"}
	}
	if len(manufacturer) > MaxStringLen {
		return nil, &EncodeError{Field: "manufacturer", Reason: fmt.Sprintf("%d bytes exceeds max %d", len(manufacturer), MaxStringLen)}
	}

	buf := make([]byte, 0, 1+4+len(batchID)+4+len(manufacturer))
	buf = append(buf, TagCreateBatch)
	buf = appendString(buf, batchID)
	buf = appendString(buf, manufacturer)
	return buf, nil
}

// EncodeTransferOwnership builds the transfer instruction: tag 1 followed
// by the raw 32-byte key of the new owner. The field is fixed-size, so it
// carries no length prefix.
func EncodeTransferOwnership(newOwner models.PublicKey) ([]byte, error) {
	if newOwner.IsZero() {
		return nil, &EncodeError{Field: "new_owner", Reason: "must not be the zero key"}
	}
	buf := make([]byte, 0, 1+models.PublicKeySize)
	buf = append(buf, TagTransferOwnership)
	buf = append(buf, newOwner[:]...)
	return buf, nil
}

// DecodeBatchAccount parses a raw account buffer into a BatchRecord.
// Layout, in order from offset 0: length-prefixed batch id, manufacturer
// key, current owner key, i64 created-at seconds, u32 history count then
// that many (key, i64 seconds) pairs, and one trailing is-active byte.
// Bytes past the is-active flag are ignored; the ledger zero-pads accounts
// to their allocated size.
func DecodeBatchAccount(buf []byte) (models.BatchRecord, error) {
	var rec models.BatchRecord
	r := reader{buf: buf}

	batchID, err := r.readString("batch_id")
	if err != nil {
		return rec, err
	}
	manufacturer, err := r.readKey("manufacturer")
	if err != nil {
		return rec, err
	}
	owner, err := r.readKey("current_owner")
	if err != nil {
		return rec, err
	}
	createdAt, err := r.readTime("created_at")
	if err != nil {
		return rec, err
	}

	n, err := r.readU32("history_count")
	if err != nil {
		return rec, err
	}
	const entrySize = models.PublicKeySize + 8
	if remaining := len(r.buf) - r.off; uint64(n)*entrySize > uint64(remaining) {
		return rec, &DecodeError{
			Field:  "ownership_history",
			Offset: r.off,
			Reason: fmt.Sprintf("count %d needs %d bytes, %d remain", n, uint64(n)*entrySize, remaining),
		}
	}
	history := make([]models.OwnershipEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		key, err := r.readKey("ownership_history.owner")
		if err != nil {
			return rec, err
		}
		at, err := r.readTime("ownership_history.at")
		if err != nil {
			return rec, err
		}
		history = append(history, models.OwnershipEntry{Owner: key, At: at})
	}

	active, err := r.readByte("is_active")
	if err != nil {
		return rec, err
	}

	rec = models.BatchRecord{
		BatchID:          batchID,
		Manufacturer:     manufacturer,
		CurrentOwner:     owner,
		CreatedAt:        createdAt,
		OwnershipHistory: history,
		IsActive:         active == 1,
	}
	return rec, nil
}

func appendString(buf []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

// reader walks a buffer tracking the offset so every failure can name the
// field and position it stopped at.
type reader struct {
	buf []byte
	off int
}

func (r *reader) take(field string, n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, &DecodeError{
			Field:  field,
			Offset: r.off,
			Reason: fmt.Sprintf("need %d bytes, %d remain", n, len(r.buf)-r.off),
		}
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readByte(field string) (byte, error) {
	b, err := r.take(field, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readU32(field string) (uint32, error) {
	b, err := r.take(field, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readString(field string) (string, error) {
	n, err := r.readU32(field)
	if err != nil {
		return "", err
	}
	b, err := r.take(field, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readKey(field string) (models.PublicKey, error) {
	var pk models.PublicKey
	b, err := r.take(field, models.PublicKeySize)
	if err != nil {
		return pk, err
	}
	copy(pk[:], b)
	return pk, nil
}

func (r *reader) readTime(field string) (time.Time, error) {
	b, err := r.take(field, 8)
	if err != nil {
		return time.Time{}, err
	}
	secs := int64(binary.LittleEndian.Uint64(b))
	return time.Unix(secs, 0).UTC(), nil
}

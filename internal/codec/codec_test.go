package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
	"time"

	"medledger/internal/models"
)

func key(b byte) models.PublicKey {
	var pk models.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

// buildAccount assembles a batch account buffer by hand, independent of the
// encoder, following the documented layout.
func buildAccount(batchID string, manufacturer, owner models.PublicKey, createdAt int64, history []models.OwnershipEntry, active byte) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(batchID)))
	buf.Write(u32[:])
	buf.WriteString(batchID)
	buf.Write(manufacturer[:])
	buf.Write(owner[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(createdAt))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(history)))
	buf.Write(u32[:])
	for _, h := range history {
		buf.Write(h.Owner[:])
		binary.LittleEndian.PutUint64(u64[:], uint64(h.At.Unix()))
		buf.Write(u64[:])
	}
	buf.WriteByte(active)
	return buf.Bytes()
}

func TestEncodeCreateBatchLayout(t *testing.T) {
	data, err := EncodeCreateBatch("B-1", "ACME")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		0,          // tag
		3, 0, 0, 0, // len("B-1") little-endian
		'B', '-', '1',
		4, 0, 0, 0,
		'A', 'C', 'M', 'E',
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("layout mismatch:\n got %v\nwant %v", data, want)
	}
}

func TestEncodeCreateBatchCountsBytesNotRunes(t *testing.T) {
	// "Bä" is 3 bytes in UTF-8 but 2 runes; the prefix must say 3.
	data, err := EncodeCreateBatch("Bä", "M")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[1:5]); got != 3 {
		t.Fatalf("length prefix = %d, want 3 (byte count)", got)
	}
}

func TestEncodeCreateBatchRejectsBadInput(t *testing.T) {
	cases := []struct {
		name         string
		batchID      string
		manufacturer string
	}{
		{"empty batch id", "", "M"},
		{"empty manufacturer", "B-1", ""},
		{"oversized batch id", string(make([]byte, MaxStringLen+1)), "M"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeCreateBatch(tc.batchID, tc.manufacturer)
			var encErr *EncodeError
			if !errors.As(err, &encErr) {
				t.Fatalf("got %v, want EncodeError", err)
			}
		})
	}
}

func TestEncodeTransferOwnershipLayout(t *testing.T) {
	owner := key(7)
	data, err := EncodeTransferOwnership(owner)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 1+models.PublicKeySize {
		t.Fatalf("len = %d, want %d", len(data), 1+models.PublicKeySize)
	}
	if data[0] != TagTransferOwnership {
		t.Fatalf("tag = %d, want %d", data[0], TagTransferOwnership)
	}
	if !bytes.Equal(data[1:], owner[:]) {
		t.Fatalf("owner bytes not raw-copied")
	}
}

func TestEncodeTransferOwnershipRejectsZeroKey(t *testing.T) {
	_, err := EncodeTransferOwnership(models.PublicKey{})
	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		t.Fatalf("got %v, want EncodeError", err)
	}
}

func TestDecodeBatchAccountRoundTrip(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	buf := buildAccount("B-1", key(1), key(1), created.Unix(), nil, 1)

	rec, err := DecodeBatchAccount(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.BatchID != "B-1" {
		t.Fatalf("batch id = %q", rec.BatchID)
	}
	if rec.Manufacturer != key(1) || rec.CurrentOwner != key(1) {
		t.Fatalf("keys not recovered")
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("created at = %v, want %v", rec.CreatedAt, created)
	}
	if len(rec.OwnershipHistory) != 0 {
		t.Fatalf("fresh record should have empty history, got %d entries", len(rec.OwnershipHistory))
	}
	if !rec.IsActive {
		t.Fatalf("fresh record should be active")
	}
}

func TestDecodeBatchAccountWithHistory(t *testing.T) {
	t0 := time.Unix(1700000000, 0).UTC()
	history := []models.OwnershipEntry{
		{Owner: key(2), At: t0.Add(time.Hour)},
		{Owner: key(3), At: t0.Add(2 * time.Hour)},
	}
	buf := buildAccount("B-2", key(1), key(3), t0.Unix(), history, 1)

	rec, err := DecodeBatchAccount(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(rec.OwnershipHistory, history) {
		t.Fatalf("history mismatch:\n got %+v\nwant %+v", rec.OwnershipHistory, history)
	}
	// Last history entry matches the current owner once a transfer exists.
	if rec.OwnershipHistory[len(rec.OwnershipHistory)-1].Owner != rec.CurrentOwner {
		t.Fatalf("last history owner %v != current owner %v", rec.OwnershipHistory[1].Owner, rec.CurrentOwner)
	}
}

func TestDecodeBatchAccountIdempotent(t *testing.T) {
	buf := buildAccount("B-3", key(4), key(5), 1700000000, []models.OwnershipEntry{
		{Owner: key(5), At: time.Unix(1700003600, 0).UTC()},
	}, 1)

	first, err := DecodeBatchAccount(buf)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	second, err := DecodeBatchAccount(buf)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("decoding the same buffer twice differed:\n%+v\n%+v", first, second)
	}
}

func TestDecodeBatchAccountIgnoresTrailingBytes(t *testing.T) {
	buf := buildAccount("B-4", key(1), key(1), 1700000000, nil, 0)
	padded := append(buf, make([]byte, 64)...) // ledger pads accounts to allocated size

	rec, err := DecodeBatchAccount(padded)
	if err != nil {
		t.Fatalf("decode with padding: %v", err)
	}
	if rec.IsActive {
		t.Fatalf("is_active byte 0 should decode false")
	}
}

func TestDecodeBatchAccountNonOneIsInactive(t *testing.T) {
	buf := buildAccount("B-5", key(1), key(1), 1700000000, nil, 2)
	rec, err := DecodeBatchAccount(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.IsActive {
		t.Fatalf("is_active byte 2 should decode false, only 1 means true")
	}
}

func TestDecodeBatchAccountTruncation(t *testing.T) {
	full := buildAccount("B-6", key(1), key(2), 1700000000, []models.OwnershipEntry{
		{Owner: key(2), At: time.Unix(1700003600, 0).UTC()},
	}, 1)

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"mid length prefix", full[:2]},
		{"mid batch id", full[:5]},
		{"mid manufacturer", full[:20]},
		{"mid created at", full[:4+3+32+32+4]},
		{"missing history entries", full[:4+3+32+32+8+4]},
		{"missing is_active", full[:len(full)-1]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeBatchAccount(tc.buf)
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("got %v, want DecodeError", err)
			}
		})
	}
}

func TestDecodeBatchAccountHistoryCountOverflow(t *testing.T) {
	// A count claiming more entries than the buffer can hold must fail
	// before any allocation happens.
	buf := buildAccount("B-7", key(1), key(1), 1700000000, nil, 1)
	countOff := 4 + 3 + 32 + 32 + 8
	binary.LittleEndian.PutUint32(buf[countOff:countOff+4], 0xFFFFFFFF)

	_, err := DecodeBatchAccount(buf)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("got %v, want DecodeError", err)
	}
	if decErr.Field != "ownership_history" {
		t.Fatalf("failed on %q, want ownership_history", decErr.Field)
	}
}

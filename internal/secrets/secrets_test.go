package secrets

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// decodesIdentically reports whether two serialized records decode to the
// same nonce/tag/ciphertext bytes.
func decodesIdentically(a, b string) bool {
	pa := strings.Split(a, ":")
	pb := strings.Split(b, ":")
	if len(pa) != 3 || len(pb) != 3 {
		return false
	}
	for i := range pa {
		da, errA := base64.StdEncoding.DecodeString(pa[i])
		db, errB := base64.StdEncoding.DecodeString(pb[i])
		if errA != nil || errB != nil {
			return false
		}
		if !bytes.Equal(da, db) {
			return false
		}
	}
	return true
}

func newTestBox(t *testing.T) *Box {
	t.Helper()

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	box, err := NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	if _, err := NewBox(make([]byte, 16)); err != ErrInvalidKeyLength {
		t.Errorf("NewBox(16 bytes) error = %v, want ErrInvalidKeyLength", err)
	}
}

func TestEncryptProducesThreeSegments(t *testing.T) {
	box := newTestBox(t)

	record, err := box.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		t.Fatalf("expected 3 segments, got %d: %q", len(parts), record)
	}
	for i, p := range parts {
		if p == "" && i != 2 { // ciphertext may be empty only for empty plaintext
			t.Errorf("segment %d is empty", i)
		}
	}
}

// Round-trip law: decrypt(encrypt(P)) == P for all plaintexts, and flipping
// any single byte of the serialized record causes decryption to fail.
func TestRoundTripProperty(t *testing.T) {
	box := newTestBox(t)

	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.String().Draw(t, "plaintext")

		record, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}

		got, err := box.Decrypt(record)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}

		// Corrupt one byte anywhere in the serialized record. Flipping a
		// base64 byte either breaks decoding (malformed) or decodes to
		// different bytes (tampered); both must fail hard. Non-strict
		// base64 ignores unused trailing bits, so a flip that decodes to
		// the same bytes is skipped.
		idx := rapid.IntRange(0, len(record)-1).Draw(t, "idx")
		corrupted := []byte(record)
		corrupted[idx] ^= 0x01
		if decodesIdentically(record, string(corrupted)) {
			t.Skip("corruption was a no-op after base64 decoding")
		}

		if _, err := box.Decrypt(string(corrupted)); err == nil {
			t.Fatalf("Decrypt() accepted corrupted record (byte %d)", idx)
		}
	})
}

func TestDecryptRejectsMalformedRecords(t *testing.T) {
	box := newTestBox(t)

	tests := []struct {
		name   string
		record string
	}{
		{"empty", ""},
		{"one segment", "YWJj"},
		{"two segments", "YWJj:YWJj"},
		{"four segments", "YWJj:YWJj:YWJj:YWJj"},
		{"bad base64", "!!!:YWJj:YWJj"},
		{"short nonce", "YWJj:YWJjYWJjYWJjYWJjYWJj:YWJj"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := box.Decrypt(tt.record); err == nil {
				t.Errorf("Decrypt(%q) succeeded, want error", tt.record)
			}
		})
	}
}

func TestDecryptTamperedTagFailsHard(t *testing.T) {
	box := newTestBox(t)

	record, err := box.Encrypt("certificate private key material")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Swap the tag segment with one from a different record.
	other, err := box.Encrypt("something else entirely")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	parts := strings.Split(record, ":")
	otherParts := strings.Split(other, ":")
	forged := parts[0] + ":" + otherParts[1] + ":" + parts[2]

	got, err := box.Decrypt(forged)
	if err != ErrCipherTampered {
		t.Errorf("Decrypt(forged) error = %v, want ErrCipherTampered", err)
	}
	if got != "" {
		t.Errorf("Decrypt(forged) returned partial plaintext %q", got)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	record, err := newTestBox(t).Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := newTestBox(t).Decrypt(record); err != ErrCipherTampered {
		t.Errorf("Decrypt with wrong key error = %v, want ErrCipherTampered", err)
	}
}

func TestValueNeverPrintsSecret(t *testing.T) {
	v := NewValue("hunter2")

	if s := fmt.Sprintf("%v %s %#v", v, v, v); strings.Contains(s, "hunter2") {
		t.Errorf("fmt output leaked secret: %q", s)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("JSON output leaked secret: %s", data)
	}

	if v.Reveal() != "hunter2" {
		t.Errorf("Reveal() = %q, want original secret", v.Reveal())
	}
}

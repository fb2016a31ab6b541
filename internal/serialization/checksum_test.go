package serialization

import (
	"bytes"
	"errors"
	"testing"

	"github.com/born-ml/loramerge/internal/tensor"
)

func checksumFixture(t *testing.T) tensor.StateDict {
	t.Helper()
	a, err := tensor.FromFloat32(tensor.Shape{2}, tensor.Float32, []float32{1, 2})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	b, err := tensor.FromFloat32(tensor.Shape{3}, tensor.BFloat16, []float32{3, 4, 5})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return tensor.StateDict{"a": a, "b": b}
}

// TestComputeChecksum verifies the checksum equals hashing the concatenated data.
func TestComputeChecksum(t *testing.T) {
	sd := checksumFixture(t)
	names := sd.Names()

	concat := append(append([]byte(nil), sd["a"].Data()...), sd["b"].Data()...)
	expected, err := ComputeChecksumReader(bytes.NewReader(concat))
	if err != nil {
		t.Fatalf("ComputeChecksumReader failed: %v", err)
	}

	if got := ComputeChecksum(sd, names); got != expected {
		t.Errorf("ComputeChecksum = %x, want %x", got, expected)
	}

	// Order matters
	if ComputeChecksum(sd, []string{"b", "a"}) == expected {
		t.Error("Checksums should differ for a different tensor order")
	}
}

// TestValidateChecksum verifies checksum validation.
func TestValidateChecksum(t *testing.T) {
	sum := ComputeChecksum(checksumFixture(t), []string{"a", "b"})

	if err := ValidateChecksum(sum, sum); err != nil {
		t.Errorf("Expected no error for matching checksums, got: %v", err)
	}

	err := ValidateChecksum(sum, sum+1)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got: %v", err)
	}
}

func TestFormatParseChecksum(t *testing.T) {
	const sum = uint64(0x00ab_cdef_0123_4567)
	s := FormatChecksum(sum)
	if len(s) != 16 {
		t.Errorf("formatted checksum %q should be 16 hex digits", s)
	}
	got, err := ParseChecksum(s)
	if err != nil {
		t.Fatalf("ParseChecksum failed: %v", err)
	}
	if got != sum {
		t.Errorf("ParseChecksum = %x, want %x", got, sum)
	}
}

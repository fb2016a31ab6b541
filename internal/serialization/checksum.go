package serialization

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/born-ml/loramerge/internal/tensor"
)

// ComputeChecksum hashes the data of the named tensors in the given order without copying it.
func ComputeChecksum(stateDict tensor.StateDict, names []string) uint64 {
	h := xxhash.New()
	for _, name := range names {
		_, _ = h.Write(stateDict[name].Data()) // Digest.Write never fails
	}
	return h.Sum64()
}

// ComputeChecksumReader computes the checksum from an io.Reader.
func ComputeChecksumReader(r io.Reader) (uint64, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// FormatChecksum renders a checksum the way it is stored in metadata.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// ParseChecksum parses a checksum stored in metadata.
func ParseChecksum(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// ValidateChecksum compares computed checksum against stored checksum.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(computed, stored uint64) error {
	if computed != stored {
		return fmt.Errorf("%w: computed %s, stored %s", ErrChecksumMismatch, FormatChecksum(computed), FormatChecksum(stored))
	}
	return nil
}

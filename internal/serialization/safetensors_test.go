package serialization

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/loramerge/internal/tensor"
)

func mustTensor(t *testing.T, shape tensor.Shape, dt tensor.DataType, vals []float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(shape, dt, vals)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return raw
}

func roundTripFixture(t *testing.T) tensor.StateDict {
	t.Helper()
	ids, err := tensor.NewRaw(tensor.Shape{3}, tensor.Int64, tensor.CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	binary.LittleEndian.PutUint64(ids.Data()[8:], 42)

	return tensor.StateDict{
		"blocks.0.attn.qkv.weight": mustTensor(t, tensor.Shape{2, 3}, tensor.BFloat16, []float32{1, -2, 0.5, 3, 0.25, -1}),
		"blocks.0.attn.qkv.bias":   mustTensor(t, tensor.Shape{2}, tensor.Float16, []float32{0.5, -0.5}),
		"blocks.0.mlp.weight":      mustTensor(t, tensor.Shape{1, 2, 1, 1}, tensor.Float32, []float32{7, 8}),
		"head.scale":               mustTensor(t, tensor.Shape{}, tensor.Float64, []float32{1.5}),
		"position_ids":             ids,
	}
}

// TestWriteReadRoundTrip verifies every tensor survives a save and reload byte for byte.
func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	original := roundTripFixture(t)

	err := WriteSafeTensors(context.Background(), path, original, WriteOptions{
		Metadata: map[string]string{"loramerge.run_id": "test"},
	})
	if err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}
	if _, err := os.Stat(path + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file should be gone after commit, stat err = %v", err)
	}

	r, err := OpenSafeTensors(path)
	if err != nil {
		t.Fatalf("OpenSafeTensors failed: %v", err)
	}
	defer r.Close()

	if got, want := len(r.TensorNames()), len(original); got != want {
		t.Fatalf("Expected %d tensors, got %d", want, got)
	}

	loaded, err := r.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	for name, want := range original {
		got, ok := loaded[name]
		if !ok {
			t.Errorf("tensor %s missing after reload", name)
			continue
		}
		if got.DType() != want.DType() {
			t.Errorf("%s: dtype %s, want %s", name, got.DType(), want.DType())
		}
		if !got.Shape().Equal(want.Shape()) {
			t.Errorf("%s: shape %s, want %s", name, got.Shape(), want.Shape())
		}
		if !bytes.Equal(got.Data(), want.Data()) {
			t.Errorf("%s: data differs after round trip", name)
		}
	}

	meta := r.Metadata()
	if meta["loramerge.run_id"] != "test" {
		t.Errorf("custom metadata lost: %v", meta)
	}
	if meta[MetaFormat] != "pt" {
		t.Errorf("format = %q, want pt", meta[MetaFormat])
	}
	if meta[MetaTensorCount] != "5" {
		t.Errorf("tensor_count = %q, want 5", meta[MetaTensorCount])
	}
	if !r.HasChecksum() {
		t.Fatal("Expected checksum in metadata")
	}
	if err := r.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum failed: %v", err)
	}
}

// TestHeaderAlignment verifies the data section starts on an 8-byte boundary.
func TestHeaderAlignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aligned.safetensors")
	sd := tensor.StateDict{"x": mustTensor(t, tensor.Shape{1}, tensor.Float32, []float32{1})}
	if err := WriteSafeTensors(context.Background(), path, sd, WriteOptions{}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if (8+headerSize)%HeaderAlignment != 0 {
		t.Errorf("data section starts at %d, not 8-byte aligned", 8+headerSize)
	}
	if int(8+headerSize)+4 != len(data) {
		t.Errorf("file length %d does not match header %d + data 4", len(data), headerSize)
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.safetensors")
	if err := WriteSafeTensors(context.Background(), path, roundTripFixture(t), WriteOptions{}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := OpenSafeTensors(path)
	if err != nil {
		t.Fatalf("OpenSafeTensors failed: %v", err)
	}
	defer r.Close()

	err = r.VerifyChecksum()
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Expected ErrChecksumMismatch, got: %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Errorf("Expected StorageError, got %T", err)
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := WriteSafeTensors(context.Background(), path, roundTripFixture(t), WriteOptions{}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-2); err != nil {
		t.Fatal(err)
	}

	_, err = OpenSafeTensors(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got: %v", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.safetensors")
	if err := os.WriteFile(short, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSafeTensors(short); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("Expected ErrInvalidHeader for short file, got: %v", err)
	}

	huge := filepath.Join(dir, "huge.safetensors")
	prefix := make([]byte, 16)
	binary.LittleEndian.PutUint64(prefix, MaxHeaderSize+1)
	if err := os.WriteFile(huge, prefix, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSafeTensors(huge); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("Expected ErrHeaderTooLarge, got: %v", err)
	}

	if _, err := OpenSafeTensors(filepath.Join(dir, "missing.safetensors")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got: %v", err)
	}
}

func writeRawSafeTensors(t *testing.T, path, header string, data []byte) {
	t.Helper()
	buf := make([]byte, 8, 8+len(header)+len(data))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
}

// TestOpenRejectsOverflowingShape verifies a shape whose element count wraps is rejected
// at open time, and is not accepted by LoadTensor even with validation disabled.
func TestOpenRejectsOverflowingShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.safetensors")
	writeRawSafeTensors(t, path, `{"w":{"dtype":"F32","shape":[4294967296,4294967296],"data_offsets":[0,0]}}`, nil)

	_, err := OpenSafeTensors(path)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Type != "invalid_shape" {
		t.Fatalf("Expected invalid_shape ValidationError, got: %v", err)
	}

	r, err := OpenSafeTensorsWithOptions(path, ReaderOptions{ValidationLevel: ValidationNone})
	if err != nil {
		t.Fatalf("Open without validation failed: %v", err)
	}
	defer r.Close()
	if _, err := r.LoadAll(); err == nil {
		t.Error("LoadAll accepted an overflowing shape")
	}
}

// TestEmptyTensorRoundTrip verifies zero-length tensors load and write.
func TestEmptyTensorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.safetensors")
	writeRawSafeTensors(t, path,
		`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"e":{"dtype":"BF16","shape":[0,4],"data_offsets":[8,8]}}`,
		make([]byte, 8))

	r, err := OpenSafeTensors(path)
	if err != nil {
		t.Fatalf("OpenSafeTensors failed: %v", err)
	}
	if r.HasChecksum() {
		t.Error("hand-written file reports a checksum")
	}
	sd, err := r.LoadAll()
	_ = r.Close()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if got := sd["e"].NumElements(); got != 0 {
		t.Errorf("empty tensor has %d elements", got)
	}

	out := filepath.Join(dir, "copy.safetensors")
	if err := WriteSafeTensors(context.Background(), out, sd, WriteOptions{}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}
	r2, err := OpenSafeTensors(out)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer r2.Close()
	if !r2.HasChecksum() {
		t.Error("written file has no checksum")
	}
	info, err := r2.TensorInfo("e")
	if err != nil {
		t.Fatalf("TensorInfo failed: %v", err)
	}
	if !tensor.Shape(info.Shape).Equal(tensor.Shape{0, 4}) || info.Size() != 0 {
		t.Errorf("empty tensor written as %v spanning %d bytes", info.Shape, info.Size())
	}
}

// TestWriteCancelledLeavesNoFile verifies a cancelled write leaves nothing behind.
func TestWriteCancelledLeavesNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cancelled.safetensors")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WriteSafeTensors(ctx, path, roundTripFixture(t), WriteOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	assertNoOutput(t, path)
}

// TestWriteReleasedTensorFails verifies a tensor whose buffer was dropped aborts the write.
func TestWriteReleasedTensorFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "released.safetensors")
	sd := roundTripFixture(t)
	sd["head.scale"].Release()

	err := WriteSafeTensors(context.Background(), path, sd, WriteOptions{})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StorageError, got: %v", err)
	}
	assertNoOutput(t, path)
}

func TestWriteKeepsExistingFileOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing.safetensors")
	if err := os.WriteFile(path, []byte("previous"), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := WriteSafeTensors(ctx, path, roundTripFixture(t), WriteOptions{}); err == nil {
		t.Fatal("Expected error from cancelled write")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "previous" {
		t.Errorf("existing file was modified: %q", data)
	}
}

func TestWriteProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.safetensors")
	sd := roundTripFixture(t)

	var progress bytes.Buffer
	if err := WriteSafeTensors(context.Background(), path, sd, WriteOptions{Progress: &progress}); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}
	if int64(progress.Len()) != sd.ByteSize() {
		t.Errorf("progress saw %d bytes, want %d", progress.Len(), sd.ByteSize())
	}
}

func TestWriterCommitTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.safetensors")
	w, err := NewSafeTensorsWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteStateDict(context.Background(), roundTripFixture(t), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Expected ErrWriterClosed, got: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close after commit should be a no-op, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("committed file missing: %v", err)
	}
}

func assertNoOutput(t *testing.T, path string) {
	t.Helper()
	for _, p := range []string{path, path + PartialSuffix} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should not exist, stat err = %v", p, err)
		}
	}
}

package serialization

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/born-ml/loramerge/internal/tensor"
)

// PartialSuffix is appended to the destination path while a checkpoint is being written.
const PartialSuffix = ".partial"

const writeBufferSize = 4 << 20

// WriteOptions configures a checkpoint write.
type WriteOptions struct {
	Metadata map[string]string // Extra string metadata stored under __metadata__
	Progress io.Writer         // Receives a copy of every data byte written (e.g. a progress bar)
}

// SafeTensorsWriter streams a state dictionary into a SafeTensors file.
//
// Bytes go to "<path>.partial" first; Commit syncs and renames it into place and Abort
// removes it, so the destination path only ever holds a complete file.
type SafeTensorsWriter struct {
	path      string
	tmpPath   string
	file      *os.File
	buf       *bufio.Writer
	closed    bool
	committed bool
}

// NewSafeTensorsWriter creates the partial file next to path.
func NewSafeTensorsWriter(path string) (*SafeTensorsWriter, error) {
	tmpPath := path + PartialSuffix
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, storageErr("write", path, fmt.Errorf("failed to create file: %w", err))
	}

	return &SafeTensorsWriter{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		buf:     bufio.NewWriterSize(file, writeBufferSize),
	}, nil
}

// WriteSafeTensors writes stateDict to path, replacing any existing file only on success.
// On failure no file is left at path or at the partial path.
func WriteSafeTensors(ctx context.Context, path string, stateDict tensor.StateDict, opts WriteOptions) error {
	w, err := NewSafeTensorsWriter(path)
	if err != nil {
		return err
	}

	if err := w.WriteStateDict(ctx, stateDict, opts); err != nil {
		return errors.Join(err, w.Abort())
	}
	if err := w.Commit(); err != nil {
		return errors.Join(err, w.Abort())
	}
	return nil
}

// BuildHeader computes the header for stateDict with tensors laid out in sorted name order.
// It returns the header, the name order and the total data size.
func BuildHeader(stateDict tensor.StateDict, metadata map[string]string) (Header, []string, int64, error) {
	names := stateDict.Names()
	header := Header{
		Metadata: make(map[string]string, len(metadata)+4),
		Tensors:  make(map[string]TensorInfo, len(names)),
	}
	for k, v := range metadata {
		header.Metadata[k] = v
	}

	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return Header{}, nil, 0, err
		}
		raw := stateDict[name]
		dtype, err := DTypeToSafeTensors(raw.DType())
		if err != nil {
			return Header{}, nil, 0, fmt.Errorf("tensor %s: %w", name, err)
		}
		size := int64(raw.ByteSize())
		header.Tensors[name] = TensorInfo{
			DType:       dtype,
			Shape:       []int(raw.Shape().Clone()),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	if _, ok := header.Metadata[MetaFormat]; !ok {
		header.Metadata[MetaFormat] = "pt"
	}
	header.Metadata[MetaDataSize] = strconv.FormatInt(offset, 10)
	header.Metadata[MetaTensorCount] = strconv.Itoa(len(names))
	return header, names, offset, nil
}

// WriteStateDict writes the header and then every tensor's bytes, one tensor at a time.
//
// Format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header, space padded to 8 bytes]
// [tensor data: raw bytes in sorted name order]
//
// The data checksum is computed by hashing each tensor in place before the header is written,
// so no serialized copy of the model is ever held in memory.
func (w *SafeTensorsWriter) WriteStateDict(ctx context.Context, stateDict tensor.StateDict, opts WriteOptions) error {
	if w.closed {
		return ErrWriterClosed
	}

	header, names, _, err := BuildHeader(stateDict, opts.Metadata)
	if err != nil {
		return storageErr("write", w.path, err)
	}
	header.Metadata[MetaChecksum] = FormatChecksum(ComputeChecksum(stateDict, names))

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return storageErr("write", w.path, fmt.Errorf("failed to marshal header: %w", err))
	}
	if pad := (HeaderAlignment - (HeaderLengthSize+len(headerJSON))%HeaderAlignment) % HeaderAlignment; pad > 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, pad)...)
	}

	// Write header size (8 bytes, little-endian uint64)
	if err := binary.Write(w.buf, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return storageErr("write", w.path, fmt.Errorf("failed to write header size: %w", err))
	}
	if _, err := w.buf.Write(headerJSON); err != nil {
		return storageErr("write", w.path, fmt.Errorf("failed to write header: %w", err))
	}

	var out io.Writer = w.buf
	if opts.Progress != nil {
		out = io.MultiWriter(w.buf, opts.Progress)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return storageErr("write", w.path, err)
		}
		raw := stateDict[name]
		data := raw.Data()
		if len(data) != raw.ByteSize() {
			return storageErr("write", w.path,
				fmt.Errorf("tensor %s: buffer holds %d bytes, header promised %d", name, len(data), raw.ByteSize()))
		}
		if _, err := out.Write(data); err != nil {
			return storageErr("write", w.path, fmt.Errorf("failed to write tensor %s: %w", name, err))
		}
	}

	return nil
}

// Commit flushes, syncs and closes the partial file, then renames it to the destination.
func (w *SafeTensorsWriter) Commit() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return storageErr("commit", w.path, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return storageErr("commit", w.path, fmt.Errorf("sync: %w", err))
	}
	if err := w.file.Close(); err != nil {
		return storageErr("commit", w.path, fmt.Errorf("close: %w", err))
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return storageErr("commit", w.path, fmt.Errorf("rename: %w", err))
	}
	w.committed = true
	syncDir(filepath.Dir(w.path))
	return nil
}

// Abort discards the partial file. It is safe to call after a failed Commit.
func (w *SafeTensorsWriter) Abort() error {
	if w.committed {
		return nil
	}
	if !w.closed {
		w.closed = true
		_ = w.file.Close()
	}
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storageErr("write", w.path, fmt.Errorf("remove partial file: %w", err))
	}
	return nil
}

// Close aborts the write unless it was committed.
func (w *SafeTensorsWriter) Close() error {
	return w.Abort()
}

// syncDir makes the rename durable where the platform allows syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // G304: directory of the output path
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/born-ml/loramerge/internal/tensor"
)

// ReaderOptions configures the behavior of SafeTensorsReader.
type ReaderOptions struct {
	ValidationLevel ValidationLevel // Validation strictness level (zero value is strict)
	Device          tensor.Device   // Device tag given to loaded tensors
}

// SafeTensorsReader reads SafeTensors files through a read-only memory mapping.
// Only the header is parsed on open; tensor bytes are paged in on demand.
type SafeTensorsReader struct {
	path       string
	file       *os.File
	data       []byte // whole file, mapped read-only
	header     Header
	dataOffset int64 // Offset where tensor data starts
	dataSize   int64 // Size of the data section
	opts       ReaderOptions
	closed     bool
}

// OpenSafeTensors opens a SafeTensors file with strict validation.
func OpenSafeTensors(path string) (*SafeTensorsReader, error) {
	return OpenSafeTensorsWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// OpenSafeTensorsWithOptions opens a SafeTensors file with custom options.
//
// Important: Always call Close() when done to unmap the file (use defer).
func OpenSafeTensorsWithOptions(path string, opts ReaderOptions) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, storageErr("open", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, storageErr("open", path, err)
	}
	if stat.Size() < HeaderLengthSize {
		_ = file.Close()
		return nil, storageErr("validate", path,
			fmt.Errorf("%w: file is %d bytes, shorter than the length prefix", ErrInvalidHeader, stat.Size()))
	}

	data, err := mmapFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, storageErr("open", path, err)
	}

	r := &SafeTensorsReader{
		path: path,
		file: file,
		data: data,
		opts: opts,
	}

	if err := r.parseHeader(); err != nil {
		_ = r.Close()
		return nil, storageErr("validate", path, err)
	}

	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		_ = r.Close()
		return nil, storageErr("validate", path, err)
	}

	return r, nil
}

// parseHeader reads the length prefix and the JSON header from the mapped file.
func (r *SafeTensorsReader) parseHeader() error {
	size := int64(len(r.data))
	headerSize := binary.LittleEndian.Uint64(r.data[:HeaderLengthSize])
	if headerSize > MaxHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}

	end := int64(HeaderLengthSize) + int64(headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if end > size {
		return fmt.Errorf("%w: header claims %d bytes, file has %d", ErrInvalidHeader, headerSize, size-HeaderLengthSize)
	}

	if err := json.Unmarshal(r.data[HeaderLengthSize:end], &r.header); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	r.dataOffset = end
	r.dataSize = size - end
	return nil
}

// Path returns the file path.
func (r *SafeTensorsReader) Path() string {
	return r.path
}

// Metadata returns the metadata map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.header.Metadata
}

// DataSize returns the size of the data section in bytes.
func (r *SafeTensorsReader) DataSize() int64 {
	return r.dataSize
}

// TensorNames returns all tensor names in sorted order.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *SafeTensorsReader) TensorInfo(name string) (TensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return info, nil
}

// TensorData returns a zero-copy view of the tensor's bytes.
// The slice is only valid until Close.
func (r *SafeTensorsReader) TensorData(name string) ([]byte, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	start := r.dataOffset + info.DataOffsets[0]
	end := r.dataOffset + info.DataOffsets[1]
	if info.DataOffsets[0] < 0 || end < start || end > int64(len(r.data)) {
		return nil, &ValidationError{
			Type:    "out_of_bounds",
			Tensor:  name,
			Details: fmt.Sprintf("data_offsets [%d, %d] outside data section of %d bytes", info.DataOffsets[0], info.DataOffsets[1], r.dataSize),
		}
	}
	return r.data[start:end], nil
}

// LoadTensor copies a tensor out of the mapping into an owned RawTensor.
func (r *SafeTensorsReader) LoadTensor(name string) (*tensor.RawTensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}

	dtype, err := DTypeFromSafeTensors(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	view, err := r.TensorData(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(view))
	copy(data, view)

	raw, err := tensor.FromBytes(tensor.Shape(info.Shape), dtype, r.opts.Device, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return raw, nil
}

// LoadAll loads every tensor in the file.
func (r *SafeTensorsReader) LoadAll() (tensor.StateDict, error) {
	names := r.TensorNames()
	stateDict := make(tensor.StateDict, len(names))
	for _, name := range names {
		raw, err := r.LoadTensor(name)
		if err != nil {
			stateDict.Release()
			return nil, storageErr("read", r.path, err)
		}
		stateDict[name] = raw
	}
	return stateDict, nil
}

// HasChecksum reports whether the file carries a data checksum in its metadata.
func (r *SafeTensorsReader) HasChecksum() bool {
	_, ok := r.header.Metadata[MetaChecksum]
	return ok
}

// VerifyChecksum recomputes the data checksum and compares it against the stored one.
// Files without a stored checksum verify trivially.
func (r *SafeTensorsReader) VerifyChecksum() error {
	stored, ok := r.header.Metadata[MetaChecksum]
	if !ok {
		return nil
	}
	want, err := ParseChecksum(stored)
	if err != nil {
		return storageErr("validate", r.path, fmt.Errorf("%w: unparsable checksum %q", ErrInvalidHeader, stored))
	}

	if s, ok := r.header.Metadata[MetaDataSize]; ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n != r.dataSize {
			return storageErr("validate", r.path, &ValidationError{
				Type:    "length_mismatch",
				Details: fmt.Sprintf("metadata records %s data bytes, file has %d", s, r.dataSize),
			})
		}
	}

	// The writer lays tensors out in the same name order it hashes them in.
	got, err := ComputeChecksumReader(bytes.NewReader(r.data[r.dataOffset:]))
	if err != nil {
		return storageErr("read", r.path, err)
	}
	if err := ValidateChecksum(got, want); err != nil {
		return storageErr("validate", r.path, err)
	}
	return nil
}

// Close unmaps and closes the file.
func (r *SafeTensorsReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.data != nil {
		err = munmapFile(r.data)
		r.data = nil
	}

	if closeErr := r.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/loramerge/internal/serialization"
	"github.com/born-ml/loramerge/internal/tensor"
)

// ModelFormat describes how a base model is laid out on disk.
type ModelFormat int

// Supported layouts.
const (
	FormatUnknown ModelFormat = iota
	FormatSafeTensors
	FormatShardIndex
	FormatShardDir
)

// String returns the format name.
func (f ModelFormat) String() string {
	switch f {
	case FormatSafeTensors:
		return "SafeTensors"
	case FormatShardIndex:
		return "SafeTensors (indexed shards)"
	case FormatShardDir:
		return "SafeTensors (shard directory)"
	default:
		return "Unknown"
	}
}

// ErrDuplicateTensor is returned when two shards hold a tensor with the same name.
var ErrDuplicateTensor = errors.New("duplicate tensor name")

// Option configures loading.
type Option func(*options)

type options struct {
	device tensor.Device
	level  serialization.ValidationLevel
}

// WithDevice tags loaded tensors with device.
func WithDevice(d tensor.Device) Option {
	return func(o *options) {
		o.device = d
	}
}

// WithValidationLevel sets the header validation level. The default is strict.
func WithValidationLevel(level serialization.ValidationLevel) Option {
	return func(o *options) {
		o.level = level
	}
}

func buildOptions(opts []Option) serialization.ReaderOptions {
	o := options{device: tensor.CPU, level: serialization.ValidationStrict}
	for _, opt := range opts {
		opt(&o)
	}
	return serialization.ReaderOptions{ValidationLevel: o.level, Device: o.device}
}

// DetectFormat inspects path and reports its layout.
func DetectFormat(path string) (ModelFormat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FormatUnknown, &serialization.StorageError{Op: "open", Path: path, Err: err}
	}

	if !info.IsDir() {
		if strings.EqualFold(filepath.Ext(path), ".safetensors") {
			return FormatSafeTensors, nil
		}
		return FormatUnknown, &serialization.StorageError{
			Op: "open", Path: path, Err: fmt.Errorf("unsupported file extension %q", filepath.Ext(path)),
		}
	}

	if _, err := os.Stat(filepath.Join(path, IndexFileName)); err == nil {
		return FormatShardIndex, nil
	}
	shards, err := shardFiles(path)
	if err != nil {
		return FormatUnknown, err
	}
	if len(shards) == 0 {
		return FormatUnknown, &serialization.StorageError{
			Op: "open", Path: path, Err: errors.New("directory holds no .safetensors files"),
		}
	}
	return FormatShardDir, nil
}

// LoadModel loads a base model from a file or a shard directory.
func LoadModel(path string, opts ...Option) (tensor.StateDict, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	ropts := buildOptions(opts)

	switch format {
	case FormatSafeTensors:
		return loadFile(path, ropts)
	case FormatShardIndex:
		return loadIndexed(path, ropts)
	case FormatShardDir:
		files, err := shardFiles(path)
		if err != nil {
			return nil, err
		}
		return loadShards(files, nil, ropts)
	default:
		return nil, &serialization.StorageError{Op: "open", Path: path, Err: fmt.Errorf("unknown model format")}
	}
}

// LoadAdapter loads an adapter checkpoint. Adapters are always single files.
func LoadAdapter(path string, opts ...Option) (tensor.StateDict, error) {
	return loadFile(path, buildOptions(opts))
}

func loadFile(path string, ropts serialization.ReaderOptions) (tensor.StateDict, error) {
	r, err := serialization.OpenSafeTensorsWithOptions(path, ropts)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.LoadAll()
}

func loadIndexed(dir string, ropts serialization.ReaderOptions) (tensor.StateDict, error) {
	indexPath := filepath.Join(dir, IndexFileName)
	idx, err := readShardIndex(indexPath)
	if err != nil {
		return nil, &serialization.StorageError{Op: "read", Path: indexPath, Err: err}
	}

	shards := idx.shards()
	files := make([]string, len(shards))
	for i, name := range shards {
		if filepath.IsAbs(name) || strings.Contains(filepath.ToSlash(name), "../") {
			return nil, &serialization.StorageError{
				Op: "read", Path: indexPath, Err: fmt.Errorf("shard %q escapes the model directory", name),
			}
		}
		files[i] = filepath.Join(dir, name)
	}

	sd, err := loadShards(files, idx.WeightMap, ropts)
	if err != nil {
		return nil, err
	}
	for name, file := range idx.WeightMap {
		if _, ok := sd[name]; !ok {
			sd.Release()
			return nil, &serialization.StorageError{
				Op:   "read",
				Path: filepath.Join(dir, file),
				Err:  fmt.Errorf("%w: %s listed in %s", serialization.ErrTensorNotFound, name, IndexFileName),
			}
		}
	}
	return sd, nil
}

// loadShards reads every file into one state dictionary. When weightMap is non-nil, a tensor is
// taken only from the shard the map assigns it to.
func loadShards(files []string, weightMap map[string]string, ropts serialization.ReaderOptions) (tensor.StateDict, error) {
	sd := make(tensor.StateDict)
	origin := make(map[string]string)

	for _, file := range files {
		if err := loadShard(file, weightMap, ropts, sd, origin); err != nil {
			sd.Release()
			return nil, err
		}
	}
	return sd, nil
}

func loadShard(file string, weightMap map[string]string, ropts serialization.ReaderOptions, sd tensor.StateDict, origin map[string]string) error {
	r, err := serialization.OpenSafeTensorsWithOptions(file, ropts)
	if err != nil {
		return err
	}
	defer r.Close()

	base := filepath.Base(file)
	for _, name := range r.TensorNames() {
		if weightMap != nil {
			if assigned, ok := weightMap[name]; ok && filepath.Base(assigned) != base {
				continue
			}
		}
		if prev, ok := origin[name]; ok {
			return &serialization.StorageError{
				Op:   "read",
				Path: file,
				Err:  fmt.Errorf("%w: %s also in %s", ErrDuplicateTensor, name, prev),
			}
		}
		raw, err := r.LoadTensor(name)
		if err != nil {
			return &serialization.StorageError{Op: "read", Path: file, Err: err}
		}
		sd[name] = raw
		origin[name] = file
	}
	return nil
}

// shardFiles lists the .safetensors files directly inside dir in lexical order.
func shardFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &serialization.StorageError{Op: "open", Path: dir, Err: err}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".safetensors") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

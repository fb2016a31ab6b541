//go:build !unix && !windows

package serialization

import (
	"io"
	"os"
)

// mmapFile reads the whole file into memory on platforms without a mapping implementation.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
		return nil, err
	}
	return data, nil
}

func munmapFile(_ []byte) error {
	return nil
}

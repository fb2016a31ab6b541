//go:build windows

package serialization

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// mmapFile maps the whole file read-only (Windows implementation).
func mmapFile(f *os.File, size int64) ([]byte, error) {
	handle, err := syscall.CreateFileMapping(
		syscall.Handle(f.Fd()),
		nil,
		syscall.PAGE_READONLY,
		uint32(size>>32), //nolint:gosec // G115: high dword of the mapping size
		uint32(size),     //nolint:gosec // G115: low dword of the mapping size
		nil,
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = syscall.CloseHandle(handle) // The view keeps the mapping alive.
	}()

	addr, err := syscall.MapViewOfFile(
		handle,
		syscall.FILE_MAP_READ,
		0,
		0,
		uintptr(size), //nolint:gosec // G115: int64-to-uintptr needed for syscall
	)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G103: addr is a valid read-only view of exactly size bytes
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

// munmapFile releases a mapping created by mmapFile (Windows implementation).
func munmapFile(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmap empty data")
	}
	//nolint:gosec // G103: the slice was created from a MapViewOfFile address
	return syscall.UnmapViewOfFile(uintptr(unsafe.Pointer(&data[0])))
}

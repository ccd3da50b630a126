package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// File handles positioned I/O on the container file. Reads may run
// concurrently with each other and with appends; Truncate and Close are
// exclusive.
type File struct {
	path string
	file *os.File
	size int64
	mu   sync.RWMutex
}

// CreateFile creates a new container file. It fails if path exists.
func CreateFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, file: f}, nil
}

// OpenFile opens an existing container file for reading and appending
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &File{path: path, file: f, size: stat.Size()}, nil
}

// Path returns the file path
func (f *File) Path() string {
	return f.path
}

// Fd exposes the descriptor for advisory locking
func (f *File) Fd() uintptr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return ^uintptr(0)
	}
	return f.file.Fd()
}

// ReadAt fills data from offset. A short read is reported as an error.
func (f *File) ReadAt(data []byte, offset int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.file == nil {
		return ioError("read", offset, ErrClosed)
	}

	n, err := f.file.ReadAt(data, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return ioError("read", offset, err)
	}
	return nil
}

// WriteAt writes data at offset and extends the tracked size
func (f *File) WriteAt(data []byte, offset int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.file == nil {
		return ioError("write", offset, ErrClosed)
	}
	if _, err := f.file.WriteAt(data, offset); err != nil {
		return ioError("write", offset, err)
	}
	return nil
}

// Sync flushes the file to stable storage
func (f *File) Sync() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.file == nil {
		return ioError("sync", 0, ErrClosed)
	}
	if err := f.file.Sync(); err != nil {
		return ioError("sync", 0, err)
	}
	return nil
}

// Truncate cuts the file to size
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ioError("truncate", size, ErrClosed)
	}
	if err := f.file.Truncate(size); err != nil {
		return ioError("truncate", size, err)
	}
	f.size = size
	return nil
}

// Size returns the file size observed at open, as updated by SetSize and
// Truncate
func (f *File) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// SetSize records the logical end of the file after an append
func (f *File) SetSize(size int64) {
	f.mu.Lock()
	f.size = size
	f.mu.Unlock()
}

// Close closes the file
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil
	return err
}

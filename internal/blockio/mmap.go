// Package blockio provides zero-copy block I/O over a transfer's backing
// file via mmap, with a bounded worker pool isolating the blocking
// page-fault-prone reads/writes from the rest of the runtime's goroutines.
package blockio

import (
	"errors"
	"os"

	"github.com/edsrzf/mmap-go"
)

var ErrClosed = errors.New("blockio: file is closed")

// File is a memory-mapped view over a transfer's destination file. Reads
// return slices directly into the mapping (zero-copy); writes copy into it.
type File struct {
	f    *os.File
	mm   mmap.MMap
	size int64
}

// Open maps path (which must already exist and be sized to size, as
// internal/piece.Manager's NewManager does via Truncate) for read/write
// access.
func Open(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		// mmap.Map rejects zero-length mappings; an empty transfer has
		// nothing to map, so keep the File around purely to satisfy Close.
		return &File{f: f, size: 0}, nil
	}

	m, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{f: f, mm: m, size: size}, nil
}

// ReadAt returns a zero-copy slice of the mapping covering [offset,
// offset+length). The caller must not retain the slice past the next write
// to the same region or past Close.
func (mf *File) ReadAt(offset, length int64) ([]byte, error) {
	if mf.mm == nil {
		return nil, ErrClosed
	}
	if offset < 0 || length < 0 || offset+length > mf.size {
		return nil, errors.New("blockio: read out of bounds")
	}
	return mf.mm[offset : offset+length], nil
}

// WriteAt copies data into the mapping at offset.
func (mf *File) WriteAt(offset int64, data []byte) error {
	if mf.mm == nil {
		if len(data) == 0 {
			return nil
		}
		return ErrClosed
	}
	if offset < 0 || offset+int64(len(data)) > mf.size {
		return errors.New("blockio: write out of bounds")
	}
	copy(mf.mm[offset:], data)
	return nil
}

// Flush forces the mapping's dirty pages out to disk.
func (mf *File) Flush() error {
	if mf.mm == nil {
		return nil
	}
	return mf.mm.Flush()
}

// Close unmaps and closes the underlying file.
func (mf *File) Close() error {
	var err error
	if mf.mm != nil {
		err = mf.mm.Unmap()
	}
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

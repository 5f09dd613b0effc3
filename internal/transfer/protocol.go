// Package transfer implements Grid's one-shot, multi-stream large-file
// path: a manifest/block/done control protocol layered over an already
// established QUIC connection, parallel to the Grid mesh (internal/swarm).
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Stream markers, 4-byte ASCII, written at the start of every control
// stream so the receiver knows how to parse what follows.
var (
	markerManifest = [4]byte{'M', 'N', 'F', 'T'}
	markerManifestAck = [4]byte{'M', 'A', 'C', 'K'}
	markerBlock       = [4]byte{'B', 'L', 'C', 'K'}
	markerBlockAck    = [4]byte{'B', 'A', 'C', 'K'}
	markerDone        = [4]byte{'D', 'O', 'N', 'E'}
)

// Block size bounds used to derive an adaptive size when the caller
// doesn't pin one: clamp(fileSize/100, MinBlockSize, MaxBlockSize).
const (
	MinBlockSize = 256 * 1024
	MaxBlockSize = 16 * 1024 * 1024
)

// AdaptiveBlockSize picks a block size proportional to fileSize, clamped to
// [MinBlockSize, MaxBlockSize].
func AdaptiveBlockSize(fileSize int64) int32 {
	size := fileSize / 100
	if size < MinBlockSize {
		size = MinBlockSize
	}
	if size > MaxBlockSize {
		size = MaxBlockSize
	}
	return int32(size)
}

// Manifest describes one file transfer job before any block data flows.
type Manifest struct {
	JobID       uuid.UUID `json:"job_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	BlockSize   int32     `json:"block_size"`
	TotalBlocks int32     `json:"total_blocks"`
	Checksum    string    `json:"checksum,omitempty"`
}

// NewManifest builds a manifest for a file of fileSize bytes, splitting it
// into TotalBlocks of blockSize (the last block may be shorter).
func NewManifest(fileName string, fileSize int64, blockSize int32) Manifest {
	total := int32((fileSize + int64(blockSize) - 1) / int64(blockSize))
	if fileSize == 0 {
		total = 0
	}
	return Manifest{
		JobID:       uuid.New(),
		FileName:    fileName,
		FileSize:    fileSize,
		BlockSize:   blockSize,
		TotalBlocks: total,
	}
}

// BlockBounds returns the [offset, size) for the block at index under this
// manifest's layout.
func (m Manifest) BlockBounds(index int32) (offset int64, size int32) {
	offset = int64(index) * int64(m.BlockSize)
	size = m.BlockSize
	if remaining := m.FileSize - offset; remaining < int64(size) {
		size = int32(remaining)
	}
	return offset, size
}

// BlockHeader precedes a block's raw bytes on a block stream.
type BlockHeader struct {
	JobID      uuid.UUID `json:"job_id"`
	BlockIndex int32     `json:"block_index"`
	Offset     int64     `json:"offset"`
	Size       int32     `json:"size"`
	Checksum   string    `json:"checksum,omitempty"`
}

var (
	ErrBadMarker    = errors.New("transfer: unexpected stream marker")
	ErrShortPreamble = errors.New("transfer: short stream preamble")
)

func writeMarker(w io.Writer, marker [4]byte) error {
	_, err := w.Write(marker[:])
	return err
}

func readMarker(r io.Reader) ([4]byte, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return m, fmt.Errorf("%w: %v", ErrShortPreamble, err)
	}
	return m, nil
}

func expectMarker(r io.Reader, want [4]byte) error {
	got, err := readMarker(r)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %q, want %q", ErrBadMarker, got[:], want[:])
	}
	return nil
}

// writeFramedJSON writes marker, then a little-endian u32 length prefix,
// then v's JSON encoding.
func writeFramedJSON(w io.Writer, marker [4]byte, v any) error {
	if err := writeMarker(w, marker); err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var lp [4]byte
	binary.LittleEndian.PutUint32(lp[:], uint32(len(body)))
	if _, err := w.Write(lp[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFramedJSON checks the expected marker, reads the length-prefixed JSON
// body, and unmarshals it into v.
func readFramedJSON(r io.Reader, marker [4]byte, v any) error {
	if err := expectMarker(r, marker); err != nil {
		return err
	}
	return readLengthPrefixedJSON(r, v)
}

// readLengthPrefixedJSON reads a [u32 le length][JSON body] pair, assuming
// any marker has already been consumed by the caller.
func readLengthPrefixedJSON(r io.Reader, v any) error {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(lp[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

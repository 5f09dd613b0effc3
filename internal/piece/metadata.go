package piece

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prxssh/pswp/internal/bencode"
	"github.com/prxssh/pswp/pkg/pieceutil"
	"github.com/prxssh/pswp/pkg/utils/cast"
)

// HashSize is the digest size used for both piece hashes and the metadata's
// info hash. Grid widens the teacher's SHA-1/160-bit scheme to SHA-256.
const HashSize = sha256.Size

type Hash [HashSize]byte

// FileMetadata describes a single file being exchanged over Grid: its name,
// total size, chosen piece length, and the per-piece hashes needed to
// verify received data. Unlike the teacher's Metainfo, there is no
// announce/announce-list — discovery is trackerless (DHT + mDNS).
type FileMetadata struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	PieceLength int32  `json:"pieceLength"`
	Pieces      []Hash `json:"pieces"`
	MerkleRoot  Hash   `json:"merkleRoot"`
	InfoHash    Hash   `json:"infoHash"`
}

var (
	ErrNameMissing     = errors.New("metadata: name missing")
	ErrSizeNonPositive = errors.New("metadata: size must be > 0")
	ErrPieceLenInvalid = errors.New("metadata: piece length must be > 0")
	ErrPiecesMismatch  = errors.New("metadata: piece count does not match size/pieceLength")
)

// NewFileMetadata computes piece boundaries and wraps a hash list into a
// FileMetadata, deriving the info hash and Merkle root from the pieces.
func NewFileMetadata(name string, size int64, pieceLength int32, pieces []Hash) (*FileMetadata, error) {
	if name == "" {
		return nil, ErrNameMissing
	}
	if size <= 0 {
		return nil, ErrSizeNonPositive
	}
	if pieceLength <= 0 {
		return nil, ErrPieceLenInvalid
	}
	if want := pieceutil.PieceCount(size, pieceLength); want != len(pieces) {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrPiecesMismatch, want, len(pieces))
	}

	m := &FileMetadata{
		Name:        name,
		Size:        size,
		PieceLength: pieceLength,
		Pieces:      pieces,
		MerkleRoot:  MerkleRoot(pieces),
	}
	m.InfoHash = m.computeInfoHash()
	return m, nil
}

// HashFile reads path in pieceLength-sized chunks and builds the
// FileMetadata a seeder advertises to the swarm, so downloaders can verify
// every piece they receive without trusting the sender.
func HashFile(path string, pieceLength int32) (*FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	n := pieceutil.PieceCount(info.Size(), pieceLength)
	pieces := make([]Hash, n)
	buf := make([]byte, pieceLength)
	for i := 0; i < n; i++ {
		plen, err := pieceutil.PieceLengthAt(i, info.Size(), pieceLength)
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(f, buf[:plen]); err != nil {
			return nil, fmt.Errorf("metadata: reading piece %d: %w", i, err)
		}
		pieces[i] = sha256.Sum256(buf[:plen])
	}

	return NewFileMetadata(filepath.Base(path), info.Size(), pieceLength, pieces)
}

// PieceCount returns the number of pieces covering the file.
func (m *FileMetadata) PieceCount() int {
	return pieceutil.PieceCount(m.Size, m.PieceLength)
}

// PieceLengthAt returns the length of piece index, accounting for the
// shorter final piece.
func (m *FileMetadata) PieceLengthAt(index int) (int32, error) {
	return pieceutil.PieceLengthAt(index, m.Size, m.PieceLength)
}

// computeInfoHash hashes a canonical bencoded form of the file's identity
// (name, size, piece length, and the concatenated piece hashes), the same
// approach the teacher uses for its BitTorrent info hash, over SHA-256.
func (m *FileMetadata) computeInfoHash() Hash {
	buf, _ := bencode.Marshal(map[string]any{
		"name":        m.Name,
		"size":        m.Size,
		"pieceLength": int64(m.PieceLength),
		"pieces":      concatHashes(m.Pieces),
	})
	return sha256.Sum256(buf)
}

func concatHashes(hs []Hash) []byte {
	out := make([]byte, 0, len(hs)*HashSize)
	for _, h := range hs {
		out = append(out, h[:]...)
	}
	return out
}

// MerkleRoot folds a leaf list into a single SHA-256 root, duplicating the
// last leaf at each level when the level's width is odd. An empty piece
// list yields the zero hash.
func MerkleRoot(pieces []Hash) Hash {
	if len(pieces) == 0 {
		return Hash{}
	}

	level := make([]Hash, len(pieces))
	copy(level, pieces)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			var buf [2 * HashSize]byte
			copy(buf[:HashSize], level[2*i][:])
			copy(buf[HashSize:], level[2*i+1][:])
			next[i] = sha256.Sum256(buf[:])
		}
		level = next
	}

	return level[0]
}

// MarshalPieces bencodes the metadata for transport over C3's
// MetadataResponse message.
func MarshalPieces(m *FileMetadata) ([]byte, error) {
	return bencode.Marshal(map[string]any{
		"name":        m.Name,
		"size":        m.Size,
		"pieceLength": int64(m.PieceLength),
		"pieces":      concatHashes(m.Pieces),
		"merkleRoot":  m.MerkleRoot[:],
	})
}

// UnmarshalPieces reverses MarshalPieces and recomputes the info hash so a
// receiver never trusts a remote-supplied hash.
func UnmarshalPieces(data []byte) (*FileMetadata, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("metadata: top-level is not a dict")
	}

	name, err := cast.ToString(dict["name"])
	if err != nil {
		return nil, fmt.Errorf("metadata: name: %w", err)
	}
	size, err := cast.ToInt(dict["size"])
	if err != nil {
		return nil, fmt.Errorf("metadata: size: %w", err)
	}
	plen, err := cast.ToInt(dict["pieceLength"])
	if err != nil {
		return nil, fmt.Errorf("metadata: pieceLength: %w", err)
	}
	pieceBytes, err := cast.ToBytes(dict["pieces"])
	if err != nil {
		return nil, fmt.Errorf("metadata: pieces: %w", err)
	}
	if len(pieceBytes)%HashSize != 0 {
		return nil, errors.New("metadata: pieces length not a multiple of hash size")
	}

	n := len(pieceBytes) / HashSize
	pieces := make([]Hash, n)
	for i := 0; i < n; i++ {
		copy(pieces[i][:], pieceBytes[i*HashSize:(i+1)*HashSize])
	}

	return NewFileMetadata(name, size, int32(plen), pieces)
}

package piece

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/prxssh/pswp/internal/blockio"
	"github.com/prxssh/pswp/pkg/bitfield"
	"github.com/prxssh/pswp/pkg/pieceutil"
)

// PendingRequestTTL bounds how long a block may sit inflight before the
// manager reclaims it back to the wanted state. Matches the teacher's own
// 30s reclaim window.
const PendingRequestTTL = 30 * time.Second

// BlockStatus tracks the lifecycle of a single block within a piece.
type BlockStatus uint8

const (
	BlockWant BlockStatus = iota
	BlockInflight
	BlockDone
)

// BlockRef identifies a block by its piece index and byte offset within
// that piece.
type BlockRef struct {
	PieceIndex int
	Begin      int32
	Length     int32
}

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status BlockStatus
	owners []blockOwner
}

type pieceState struct {
	index      int
	length     int32
	blockCount int
	doneBlocks int
	verified   bool
	blocks     []block
	hash       Hash
}

// Manager owns the on-disk and in-memory state of a single transfer: piece
// and block bookkeeping, SHA-256 verification, and sparse reads/writes into
// the destination file. It is the single writer of piece/block state;
// callers (the scheduler, peer sessions) only observe it through its
// exported methods.
type Manager struct {
	logger *slog.Logger
	meta   *FileMetadata
	file   *blockio.File

	mut             sync.RWMutex
	pieces          []pieceState
	bitfield        bitfield.Bitfield
	remainingPieces int
}

// NewManager opens (creating if absent) the destination file sized to the
// metadata's total length, maps it for zero-copy block I/O, and prepares
// per-piece tracking state.
func NewManager(meta *FileMetadata, destPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(meta.Size); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	mf, err := blockio.Open(destPath, meta.Size)
	if err != nil {
		return nil, err
	}

	n := meta.PieceCount()
	pieces := make([]pieceState, n)
	for i := 0; i < n; i++ {
		plen, err := meta.PieceLengthAt(i)
		if err != nil {
			mf.Close()
			return nil, err
		}
		blockCount := pieceutil.BlocksInPiece(plen)
		pieces[i] = pieceState{
			index:      i,
			length:     plen,
			blockCount: blockCount,
			blocks:     make([]block, blockCount),
			hash:       meta.Pieces[i],
		}
	}

	return &Manager{
		logger:          logger,
		meta:            meta,
		file:            mf,
		pieces:          pieces,
		bitfield:        bitfield.New(n),
		remainingPieces: n,
	}, nil
}

// Close flushes and releases the backing mapping.
func (m *Manager) Close() error {
	if err := m.file.Flush(); err != nil {
		return err
	}
	return m.file.Close()
}

// Metadata returns the manager's FileMetadata.
func (m *Manager) Metadata() *FileMetadata { return m.meta }

// Bitfield returns a snapshot of which pieces are verified complete.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.bitfield.Clone()
}

// Complete reports whether every piece has been verified.
func (m *Manager) Complete() bool {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.remainingPieces == 0
}

// AssignBlock marks a block inflight to peer, allowing up to duplicateLimit
// concurrent owners (>1 enables endgame mode). It reports false if the
// block is already done or at its duplicate cap.
func (m *Manager) AssignBlock(peer netip.AddrPort, pieceIdx int, blockIdx int, duplicateLimit int) (BlockRef, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return BlockRef{}, false
	}
	p := &m.pieces[pieceIdx]
	if blockIdx < 0 || blockIdx >= p.blockCount {
		return BlockRef{}, false
	}
	b := &p.blocks[blockIdx]
	if b.status == BlockDone || len(b.owners) >= duplicateLimit {
		return BlockRef{}, false
	}

	begin, length, err := pieceutil.BlockBounds(p.length, blockIdx)
	if err != nil {
		return BlockRef{}, false
	}

	b.status = BlockInflight
	b.owners = append(b.owners, blockOwner{peer: peer, requestedAt: time.Now()})

	return BlockRef{PieceIndex: pieceIdx, Begin: begin, Length: length}, true
}

// UnassignBlock releases peer's claim on a block, reverting it to wanted
// if no owner remains.
func (m *Manager) UnassignBlock(peer netip.AddrPort, pieceIdx, blockIdx int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.unassignLocked(peer, pieceIdx, blockIdx)
}

func (m *Manager) unassignLocked(peer netip.AddrPort, pieceIdx, blockIdx int) {
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return
	}
	p := &m.pieces[pieceIdx]
	if blockIdx < 0 || blockIdx >= p.blockCount {
		return
	}
	b := &p.blocks[blockIdx]
	for i, o := range b.owners {
		if o.peer == peer {
			b.owners = append(b.owners[:i], b.owners[i+1:]...)
			break
		}
	}
	if len(b.owners) == 0 && b.status != BlockDone {
		b.status = BlockWant
	}
}

// ReclaimTimedOut scans inflight blocks and reverts any whose oldest
// request has sat longer than PendingRequestTTL, returning the peers that
// should be considered non-responsive for those blocks.
func (m *Manager) ReclaimTimedOut() []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()

	cutoff := time.Now().Add(-PendingRequestTTL)
	var stale []netip.AddrPort

	for pi := range m.pieces {
		p := &m.pieces[pi]
		for bi := range p.blocks {
			b := &p.blocks[bi]
			if b.status != BlockInflight {
				continue
			}
			kept := b.owners[:0]
			for _, o := range b.owners {
				if o.requestedAt.Before(cutoff) {
					stale = append(stale, o.peer)
					continue
				}
				kept = append(kept, o)
			}
			b.owners = kept
			if len(b.owners) == 0 {
				b.status = BlockWant
			}
		}
	}

	return stale
}

// BlockStatus reports the current state of a single block, or false if the
// indices are out of range.
func (m *Manager) BlockStatus(pieceIdx, blockIdx int) (BlockStatus, bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return 0, false
	}
	p := &m.pieces[pieceIdx]
	if blockIdx < 0 || blockIdx >= p.blockCount {
		return 0, false
	}
	return p.blocks[blockIdx].status, true
}

// WantsPiece reports whether a piece has not yet been verified complete.
func (m *Manager) WantsPiece(pieceIdx int) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return false
	}
	return !m.pieces[pieceIdx].verified
}

var ErrHashMismatch = errors.New("piece: hash mismatch")

// WriteBlock stores a received block's bytes at their absolute file offset,
// marks the block done, and — once every block of the piece has arrived —
// verifies the full piece against its expected hash. On a failed
// verification the piece's blocks are reset to wanted and ErrHashMismatch
// is returned; on success the manager's bitfield gains the piece.
func (m *Manager) WriteBlock(pieceIdx int, begin int32, data []byte) error {
	m.mut.Lock()
	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		m.mut.Unlock()
		return errors.New("piece: index out of range")
	}
	p := &m.pieces[pieceIdx]
	blockIdx := pieceutil.BlockIndexForBegin(int(begin), int(p.length))
	if blockIdx < 0 || blockIdx >= p.blockCount {
		m.mut.Unlock()
		return errors.New("piece: block index out of range")
	}
	already := p.blocks[blockIdx].status == BlockDone
	m.mut.Unlock()

	if already {
		return nil
	}

	absOffset, _, err := pieceutil.PieceOffsetBounds(pieceIdx, m.meta.Size, m.meta.PieceLength)
	if err != nil {
		return err
	}
	if err := m.file.WriteAt(absOffset+int64(begin), data); err != nil {
		return err
	}

	m.mut.Lock()
	p.blocks[blockIdx].status = BlockDone
	p.blocks[blockIdx].owners = nil
	p.doneBlocks++
	complete := p.doneBlocks == p.blockCount
	m.mut.Unlock()

	if !complete {
		return nil
	}
	return m.verifyPiece(pieceIdx)
}

func (m *Manager) verifyPiece(pieceIdx int) error {
	buf, err := m.ReadPiece(pieceIdx)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(buf)

	m.mut.Lock()
	defer m.mut.Unlock()
	p := &m.pieces[pieceIdx]

	if Hash(sum) != p.hash {
		for i := range p.blocks {
			p.blocks[i].status = BlockWant
			p.blocks[i].owners = nil
		}
		p.doneBlocks = 0
		m.logger.Warn("piece hash mismatch", "piece", pieceIdx)
		return ErrHashMismatch
	}

	p.verified = true
	m.bitfield.Set(pieceIdx, true)
	m.remainingPieces--
	return nil
}

// VerifyExisting hashes every piece already present in the destination file
// and marks the matching ones verified, for a seeder whose data arrived by
// some means other than WriteBlock (e.g. it was there before the Manager
// existed).
func (m *Manager) VerifyExisting() error {
	n := len(m.pieces)
	for i := 0; i < n; i++ {
		buf, err := m.ReadPiece(i)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(buf)

		m.mut.Lock()
		p := &m.pieces[i]
		if Hash(sum) == p.hash && !p.verified {
			for bi := range p.blocks {
				p.blocks[bi].status = BlockDone
			}
			p.doneBlocks = p.blockCount
			p.verified = true
			m.bitfield.Set(i, true)
			m.remainingPieces--
		}
		m.mut.Unlock()
	}
	return nil
}

// ReadPiece returns a zero-copy view of a whole piece's bytes from the
// mapped destination file, regardless of verification state (used both for
// re-serving verified pieces and for hashing a just-completed one). The
// returned slice must not be retained past the next write to the same
// region.
func (m *Manager) ReadPiece(pieceIdx int) ([]byte, error) {
	start, end, err := pieceutil.PieceOffsetBounds(pieceIdx, m.meta.Size, m.meta.PieceLength)
	if err != nil {
		return nil, err
	}
	return m.file.ReadAt(start, end-start)
}

// ReadBlock returns a zero-copy view of a single block's bytes, used to
// serve Piece messages to peers requesting data we already have.
func (m *Manager) ReadBlock(pieceIdx int, begin, length int32) ([]byte, error) {
	start, _, err := pieceutil.PieceOffsetBounds(pieceIdx, m.meta.Size, m.meta.PieceLength)
	if err != nil {
		return nil, err
	}
	return m.file.ReadAt(start+int64(begin), int64(length))
}

// Package scheduler decides which blocks to request next from which peer.
// It owns piece/peer rarity bookkeeping only; the actual block-ownership
// state lives in internal/piece.Manager, which the scheduler calls into
// when it decides to assign or release a block.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/pswp/internal/piece"
	"github.com/prxssh/pswp/pkg/availabilitybucket"
	"github.com/prxssh/pswp/pkg/bitfield"
	"github.com/prxssh/pswp/pkg/pieceutil"
)

// ReclaimInterval is how often Run scans for blocks whose requests have
// aged past internal/piece.PendingRequestTTL.
const ReclaimInterval = 5 * time.Second

// Mode selects the piece-picking policy.
type Mode int

const (
	// ModeRandomFirst picks among pieces the peer has at random, ignoring
	// rarity. Used for the first RandomFirstPieces pieces of a transfer so
	// the swarm gets useful data to trade quickly (classic BitTorrent
	// "random first N pieces" behavior).
	ModeRandomFirst Mode = iota
	// ModeRareFirst prioritizes the globally least-available pieces.
	ModeRareFirst
	// ModeEndgame requests any still-missing block from every peer that
	// has it, tolerating duplicate in-flight requests to close out the
	// last few pieces quickly.
	ModeEndgame
)

// Config tunes scheduling policy.
type Config struct {
	// RandomFirstPieces is how many pieces use ModeRandomFirst before the
	// scheduler switches to ModeRareFirst.
	RandomFirstPieces int
	// EndgameThreshold is the remaining-block count at or below which the
	// scheduler forces ModeEndgame regardless of piece count.
	EndgameThreshold int
	// EndgameDuplicateLimit caps concurrent owners per block in endgame
	// mode.
	EndgameDuplicateLimit int
	// MaxSwarmSize bounds the availability bucket's count domain.
	MaxSwarmSize int
}

func DefaultConfig() Config {
	return Config{
		RandomFirstPieces:     4,
		EndgameThreshold:      20,
		EndgameDuplicateLimit: 4,
		MaxSwarmSize:          200,
	}
}

// Scheduler tracks piece rarity across the swarm and decides, per peer
// request pull, which blocks to assign.
type Scheduler struct {
	log          *slog.Logger
	cfg          Config
	mgr          *piece.Manager
	availability *availabilitybucket.Bucket
	rng          *rand.Rand

	mut              sync.Mutex
	piecesCompleted  int
	totalBlocks      int
	remainingBlocks  int
}

// New builds a Scheduler over mgr's piece state.
func New(mgr *piece.Manager, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	n := mgr.Metadata().PieceCount()
	total := 0
	for i := 0; i < n; i++ {
		plen, _ := mgr.Metadata().PieceLengthAt(i)
		total += pieceutil.BlocksInPiece(plen)
	}

	return &Scheduler{
		log:             logger.With("component", "scheduler"),
		cfg:             cfg,
		mgr:             mgr,
		availability:    availabilitybucket.NewBucket(n, cfg.MaxSwarmSize),
		rng:             rand.New(rand.NewSource(rand.Int63())),
		totalBlocks:     total,
		remainingBlocks: total,
	}
}

// OnPeerBitfield folds a freshly received peer bitfield into the
// availability bucket, bumping the count of every piece the peer has that
// we don't.
func (s *Scheduler) OnPeerBitfield(peerBF bitfield.Bitfield) {
	ours := s.mgr.Bitfield()
	n := ours.Len()
	for i := 0; i < n; i++ {
		if peerBF.Has(i) && !ours.Has(i) {
			s.availability.Move(i, 1)
		}
	}
}

// OnPeerHave bumps a single piece's availability after a Have message.
func (s *Scheduler) OnPeerHave(pieceIdx int) {
	if !s.mgr.Bitfield().Has(pieceIdx) {
		s.availability.Move(pieceIdx, 1)
	}
}

// OnPeerGone reverses a previously-applied bitfield when a peer
// disconnects, so its pieces stop counting toward availability.
func (s *Scheduler) OnPeerGone(peerBF bitfield.Bitfield) {
	ours := s.mgr.Bitfield()
	n := ours.Len()
	for i := 0; i < n; i++ {
		if peerBF.Has(i) && !ours.Has(i) {
			s.availability.Move(i, -1)
		}
	}
}

// mode reports the current picking policy, which depends on overall
// download progress rather than being fixed at construction.
func (s *Scheduler) mode() Mode {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.remainingBlocks <= s.cfg.EndgameThreshold {
		return ModeEndgame
	}
	if s.piecesCompleted < s.cfg.RandomFirstPieces {
		return ModeRandomFirst
	}
	return ModeRareFirst
}

// NotifyBlockDone updates the scheduler's progress counters; callers invoke
// this whenever internal/piece.Manager reports a newly completed piece or
// decrements remaining work.
func (s *Scheduler) NotifyBlockDone(pieceCompleted bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.remainingBlocks > 0 {
		s.remainingBlocks--
	}
	if pieceCompleted {
		s.piecesCompleted++
	}
}

// GenerateRequests is the scheduler's pull-based contract: given a peer's
// current bitfield and how many additional blocks it can absorb, it returns
// up to k block assignments (already marked inflight in the piece
// manager).
func (s *Scheduler) GenerateRequests(peer netip.AddrPort, peerBF bitfield.Bitfield, k int) []piece.BlockRef {
	if k <= 0 {
		return nil
	}

	duplicateLimit := 1
	if s.mode() == ModeEndgame {
		duplicateLimit = s.cfg.EndgameDuplicateLimit
	}

	switch s.mode() {
	case ModeRareFirst, ModeEndgame:
		return s.generateRareFirst(peer, peerBF, k, duplicateLimit)
	default:
		return s.generateRandomFirst(peer, peerBF, k, duplicateLimit)
	}
}

func (s *Scheduler) generateRareFirst(peer netip.AddrPort, peerBF bitfield.Bitfield, k, duplicateLimit int) []piece.BlockRef {
	out := make([]piece.BlockRef, 0, k)

	for a, ok := s.availability.FirstNonEmpty(); ok && len(out) < k; a++ {
		for _, pieceIdx := range s.availability.Bucket(a) {
			if len(out) >= k {
				break
			}
			if !peerBF.Has(pieceIdx) || !s.mgr.WantsPiece(pieceIdx) {
				continue
			}
			out = s.assignFromPiece(peer, pieceIdx, k, duplicateLimit, out)
		}
		if a >= s.cfg.MaxSwarmSize {
			break
		}
	}

	return out
}

func (s *Scheduler) generateRandomFirst(peer netip.AddrPort, peerBF bitfield.Bitfield, k, duplicateLimit int) []piece.BlockRef {
	n := peerBF.Len()
	candidates := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if peerBF.Has(i) && s.mgr.WantsPiece(i) {
			candidates = append(candidates, i)
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	out := make([]piece.BlockRef, 0, k)
	for _, pieceIdx := range candidates {
		if len(out) >= k {
			break
		}
		out = s.assignFromPiece(peer, pieceIdx, k, duplicateLimit, out)
	}
	return out
}

func (s *Scheduler) assignFromPiece(peer netip.AddrPort, pieceIdx, k, duplicateLimit int, out []piece.BlockRef) []piece.BlockRef {
	plen, err := s.mgr.Metadata().PieceLengthAt(pieceIdx)
	if err != nil {
		return out
	}
	blockCount := pieceutil.BlocksInPiece(plen)

	for bi := 0; bi < blockCount && len(out) < k; bi++ {
		status, ok := s.mgr.BlockStatus(pieceIdx, bi)
		if !ok || status == piece.BlockDone {
			continue
		}
		if status == piece.BlockInflight && duplicateLimit <= 1 {
			continue
		}
		if ref, assigned := s.mgr.AssignBlock(peer, pieceIdx, bi, duplicateLimit); assigned {
			out = append(out, ref)
		}
	}
	return out
}

// Run periodically reclaims blocks whose in-flight requests have timed
// out, returning them to the wanted state so other peers can pick them up.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stale := s.mgr.ReclaimTimedOut()
			if len(stale) == 0 {
				continue
			}
			s.mut.Lock()
			s.remainingBlocks += len(stale)
			s.mut.Unlock()
			s.log.Debug("reclaimed timed-out blocks", "count", len(stale))
		}
	}
}

// ReleasePeer unassigns every block currently attributed to peer, called on
// disconnect so those blocks become immediately available to others
// instead of waiting out the full reclaim TTL.
func (s *Scheduler) ReleasePeer(peer netip.AddrPort, peerBF bitfield.Bitfield) {
	n := peerBF.Len()
	for i := 0; i < n; i++ {
		if !peerBF.Has(i) {
			continue
		}
		plen, err := s.mgr.Metadata().PieceLengthAt(i)
		if err != nil {
			continue
		}
		blockCount := pieceutil.BlocksInPiece(plen)
		for bi := 0; bi < blockCount; bi++ {
			s.mgr.UnassignBlock(peer, i, bi)
		}
	}
}

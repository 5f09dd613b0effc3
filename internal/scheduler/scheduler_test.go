package scheduler

import (
	"crypto/sha256"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/prxssh/pswp/internal/piece"
	"github.com/prxssh/pswp/pkg/bitfield"
)

func newTestScheduler(t *testing.T, numPieces int) (*Scheduler, *piece.Manager) {
	t.Helper()

	pieceLen := int32(16)
	size := int64(numPieces) * int64(pieceLen)
	content := make([]byte, size)
	hashes := make([]piece.Hash, numPieces)
	for i := 0; i < numPieces; i++ {
		hashes[i] = sha256.Sum256(content[i*int(pieceLen) : (i+1)*int(pieceLen)])
	}

	meta, err := piece.NewFileMetadata("f", size, pieceLen, hashes)
	if err != nil {
		t.Fatalf("NewFileMetadata() error = %v", err)
	}

	mgr, err := piece.NewManager(meta, filepath.Join(t.TempDir(), "out.bin"), slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	cfg := DefaultConfig()
	cfg.MaxSwarmSize = 8
	return New(mgr, cfg, slog.Default()), mgr
}

func fullBitfield(n int) bitfield.Bitfield { return bitfield.Full(n) }

func TestScheduler_GenerateRequests_RandomFirst(t *testing.T) {
	s, _ := newTestScheduler(t, 10)
	s.cfg.EndgameThreshold = 0 // 10 blocks would otherwise already be endgame
	peer := netip.MustParseAddrPort("127.0.0.1:6000")

	reqs := s.GenerateRequests(peer, fullBitfield(10), 3)
	if len(reqs) != 3 {
		t.Fatalf("GenerateRequests() returned %d requests, want 3", len(reqs))
	}

	seen := make(map[int]bool)
	for _, r := range reqs {
		if seen[r.PieceIndex] {
			t.Fatalf("duplicate piece %d assigned in a single batch", r.PieceIndex)
		}
		seen[r.PieceIndex] = true
	}
}

func TestScheduler_RareFirst_PrefersLeastAvailable(t *testing.T) {
	s, _ := newTestScheduler(t, 5)
	s.cfg.RandomFirstPieces = 0 // force rare-first immediately
	s.cfg.EndgameThreshold = 0  // 5 blocks would otherwise already be endgame

	peerA := netip.MustParseAddrPort("127.0.0.1:6001")
	bfAll := fullBitfield(5)
	bfOthers := bitfield.New(5)
	for _, i := range []int{0, 1, 3, 4} {
		bfOthers.Set(i, true)
	}

	// Every piece gets two announcements; piece 2 gets only those two,
	// while the rest get a third, making piece 2 the rarest.
	s.OnPeerBitfield(bfAll)
	s.OnPeerBitfield(bfAll)
	s.OnPeerBitfield(bfOthers)

	reqs := s.GenerateRequests(peerA, bfAll, 1)
	if len(reqs) != 1 {
		t.Fatalf("GenerateRequests() returned %d, want 1", len(reqs))
	}
	if reqs[0].PieceIndex != 2 {
		t.Fatalf("rare-first picked piece %d, want piece 2", reqs[0].PieceIndex)
	}
}

func TestScheduler_GenerateRequests_RespectsPeerBitfield(t *testing.T) {
	s, _ := newTestScheduler(t, 4)
	peer := netip.MustParseAddrPort("127.0.0.1:6002")

	onlyFirst := bitfield.New(4)
	onlyFirst.Set(0, true)

	reqs := s.GenerateRequests(peer, onlyFirst, 10)
	for _, r := range reqs {
		if r.PieceIndex != 0 {
			t.Fatalf("assigned piece %d which peer does not have", r.PieceIndex)
		}
	}
}

func TestScheduler_ReleasePeer(t *testing.T) {
	s, mgr := newTestScheduler(t, 2)
	peer := netip.MustParseAddrPort("127.0.0.1:6003")
	bf := fullBitfield(2)

	reqs := s.GenerateRequests(peer, bf, 10)
	if len(reqs) == 0 {
		t.Fatalf("expected assignments before release")
	}

	s.ReleasePeer(peer, bf)

	status, ok := mgr.BlockStatus(reqs[0].PieceIndex, 0)
	if !ok || status != piece.BlockWant {
		t.Fatalf("block not released: status=%v ok=%v", status, ok)
	}
}

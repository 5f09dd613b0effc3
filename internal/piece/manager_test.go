package piece

import (
	"crypto/sha256"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/pswp/pkg/pieceutil"
)

func sampleMetadata(t *testing.T, size int64, pieceLen int32, content []byte) *FileMetadata {
	t.Helper()

	n := (int(size) + int(pieceLen) - 1) / int(pieceLen)
	hashes := make([]Hash, n)
	for i := 0; i < n; i++ {
		start := i * int(pieceLen)
		end := start + int(pieceLen)
		if end > len(content) {
			end = len(content)
		}
		hashes[i] = sha256.Sum256(content[start:end])
	}

	meta, err := NewFileMetadata("sample.bin", size, pieceLen, hashes)
	if err != nil {
		t.Fatalf("NewFileMetadata() error = %v", err)
	}
	return meta
}

func newTestManager(t *testing.T, size int64, pieceLen int32, content []byte) (*Manager, string) {
	t.Helper()
	meta := sampleMetadata(t, size, pieceLen, content)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	mgr, err := NewManager(meta, dest, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr, dest
}

func TestNewFileMetadata(t *testing.T) {
	tests := []struct {
		name        string
		fileName    string
		size        int64
		pieceLen    int32
		pieces      []Hash
		expectedErr bool
	}{
		{name: "valid", fileName: "a", size: 32, pieceLen: 16, pieces: []Hash{{}, {}}},
		{name: "missing name", fileName: "", size: 32, pieceLen: 16, pieces: []Hash{{}, {}}, expectedErr: true},
		{name: "zero size", fileName: "a", size: 0, pieceLen: 16, pieces: nil, expectedErr: true},
		{name: "piece count mismatch", fileName: "a", size: 32, pieceLen: 16, pieces: []Hash{{}}, expectedErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileMetadata(tt.fileName, tt.size, tt.pieceLen, tt.pieces)
			if (err != nil) != tt.expectedErr {
				t.Fatalf("NewFileMetadata() error = %v, wantErr %v", err, tt.expectedErr)
			}
		})
	}
}

func TestMerkleRoot_Deterministic(t *testing.T) {
	pieces := []Hash{{1}, {2}, {3}}
	r1 := MerkleRoot(pieces)
	r2 := MerkleRoot(pieces)
	if r1 != r2 {
		t.Fatalf("MerkleRoot() not deterministic: %x != %x", r1, r2)
	}

	withDup := []Hash{{1}, {2}, {3}, {3}}
	if MerkleRoot(pieces) != MerkleRoot(withDup) {
		t.Fatalf("MerkleRoot() odd-level last-leaf duplication mismatch")
	}
}

func TestManager_WriteBlockVerifiesPiece(t *testing.T) {
	// Two pieces of two blocks each, so piece 0 needs two WriteBlock calls.
	const blockLen = pieceutil.MaxBlockLength
	content := make([]byte, 4*blockLen)
	for i := range content {
		content[i] = byte(i)
	}

	mgr, _ := newTestManager(t, int64(len(content)), 2*blockLen, content)
	peer := netip.MustParseAddrPort("127.0.0.1:9000")

	if _, ok := mgr.AssignBlock(peer, 0, 0, 1); !ok {
		t.Fatalf("AssignBlock() failed for first block")
	}
	if err := mgr.WriteBlock(0, 0, content[0:blockLen]); err != nil {
		t.Fatalf("WriteBlock() first block error = %v", err)
	}
	if mgr.Bitfield().Has(0) {
		t.Fatalf("piece 0 marked complete before all blocks written")
	}

	if err := mgr.WriteBlock(0, blockLen, content[blockLen:2*blockLen]); err != nil {
		t.Fatalf("second block of piece error = %v", err)
	}
	if !mgr.Bitfield().Has(0) {
		t.Fatalf("piece 0 not marked complete after all blocks written")
	}
	if mgr.Complete() {
		t.Fatalf("manager reports complete with piece 1 still missing")
	}
}

func TestManager_WriteBlockHashMismatchResets(t *testing.T) {
	content := make([]byte, 16)
	mgr, _ := newTestManager(t, 16, 16, content)

	if err := mgr.WriteBlock(0, 0, []byte("not the real data")[:16]); err != ErrHashMismatch {
		t.Fatalf("WriteBlock() error = %v, want ErrHashMismatch", err)
	}

	status, ok := mgr.BlockStatus(0, 0)
	if !ok || status != BlockWant {
		t.Fatalf("block not reset to BlockWant after hash mismatch, status=%v ok=%v", status, ok)
	}
}

func TestManager_ReclaimTimedOut(t *testing.T) {
	mgr, _ := newTestManager(t, 16, 16, make([]byte, 16))
	peer := netip.MustParseAddrPort("127.0.0.1:9000")

	if _, ok := mgr.AssignBlock(peer, 0, 0, 1); !ok {
		t.Fatalf("AssignBlock() failed")
	}

	mgr.mut.Lock()
	mgr.pieces[0].blocks[0].owners[0].requestedAt = mgr.pieces[0].blocks[0].owners[0].requestedAt.Add(-PendingRequestTTL * 2)
	mgr.mut.Unlock()

	stale := mgr.ReclaimTimedOut()
	if len(stale) != 1 || stale[0] != peer {
		t.Fatalf("ReclaimTimedOut() = %v, want [%v]", stale, peer)
	}
	status, _ := mgr.BlockStatus(0, 0)
	if status != BlockWant {
		t.Fatalf("block status after reclaim = %v, want BlockWant", status)
	}
}

func TestManager_ReadWriteRoundTrip(t *testing.T) {
	content := []byte("abcdefghijklmnopqrstuvwxyz012345")
	mgr, dest := newTestManager(t, int64(len(content)), 16, content)

	n := mgr.Metadata().PieceCount()
	for i := 0; i < n; i++ {
		plen, err := mgr.Metadata().PieceLengthAt(i)
		if err != nil {
			t.Fatalf("PieceLengthAt(%d) error = %v", i, err)
		}
		start := i * 16
		if err := mgr.WriteBlock(i, 0, content[start:start+int(plen)]); err != nil {
			t.Fatalf("WriteBlock(%d) error = %v", i, err)
		}
	}

	if !mgr.Complete() {
		t.Fatalf("manager not complete after writing all pieces")
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("round-tripped content mismatch: got %q want %q", got, content)
	}
}

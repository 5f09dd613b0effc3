package gridpeer

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/pswp/internal/config"
	"github.com/prxssh/pswp/internal/wire"
	"github.com/prxssh/pswp/pkg/bitfield"
)

func init() {
	config.Init(nil)
}

// pipeStream adapts net.Conn (from net.Pipe) to the gridpeer.Stream
// interface; net.Conn already satisfies it directly, this just documents
// the adaptation point for tests.
type pipeStream struct{ net.Conn }

func newPeerPair(t *testing.T, pieceCount int) (*Peer, *Peer) {
	t.Helper()

	c1, c2 := net.Pipe()
	addr := netip.MustParseAddrPort("127.0.0.1:7000")
	infoHash := [wire.InfoHashSize]byte{1, 2, 3}

	var wg sync.WaitGroup
	wg.Add(2)

	var a, b *Peer
	var errA, errB error

	go func() {
		defer wg.Done()
		a, errA = New(pipeStream{c1}, addr, true, &Opts{
			PieceCount:  pieceCount,
			InfoHash:    infoHash,
			LocalPeerID: [wire.PeerIDSize]byte{0xAA},
		})
	}()
	go func() {
		defer wg.Done()
		b, errB = New(pipeStream{c2}, addr, false, &Opts{
			PieceCount:  pieceCount,
			InfoHash:    infoHash,
			LocalPeerID: [wire.PeerIDSize]byte{0xBB},
		})
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("New(a) error = %v", errA)
	}
	if errB != nil {
		t.Fatalf("New(b) error = %v", errB)
	}
	return a, b
}

func TestPeer_HandshakeExchangesPeerID(t *testing.T) {
	a, b := newPeerPair(t, 4)
	defer a.Close()
	defer b.Close()

	if a.RemotePeerID() != ([wire.PeerIDSize]byte{0xBB}) {
		t.Fatalf("a's view of remote peer id is wrong: %x", a.RemotePeerID())
	}
	if b.RemotePeerID() != ([wire.PeerIDSize]byte{0xAA}) {
		t.Fatalf("b's view of remote peer id is wrong: %x", b.RemotePeerID())
	}
}

func TestPeer_SendHave_UpdatesRemoteBitfield(t *testing.T) {
	a, b := newPeerPair(t, 4)
	defer a.Close()
	defer b.Close()

	haveCh := make(chan int, 1)
	b.onHave = func(_ netip.AddrPort, idx int) { haveCh <- idx }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	// The first message after the handshake must be a Bitfield.
	a.SendBitfield(bitfield.New(4))
	a.SendHave(2)

	select {
	case idx := <-haveCh:
		if idx != 2 {
			t.Fatalf("Have index = %d, want 2", idx)
		}
		if !b.Bitfield().Has(2) {
			t.Fatal("b's view of a's bitfield lacks piece 2 after Have")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Have message")
	}
}

func TestPeer_ChokeState_BlocksRequest(t *testing.T) {
	a, b := newPeerPair(t, 4)
	defer a.Close()
	defer b.Close()

	if !a.PeerChoking() {
		t.Fatal("peer should start choked by default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	// a is still choked by b, so SendRequest from a must be a no-op:
	// nothing should arrive on b's request callback.
	reqCh := make(chan struct{}, 1)
	b.onRequest = func(netip.AddrPort, int, int32, int32) { reqCh <- struct{}{} }

	a.SendRequest(0, 0, 16)

	select {
	case <-reqCh:
		t.Fatal("request should not have been sent while choked")
	case <-time.After(200 * time.Millisecond):
	}
}

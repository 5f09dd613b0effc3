package wire

import (
	"bytes"
	"errors"
	"testing"
)

func mustHash(s string) [InfoHashSize]byte {
	var a [InfoHashSize]byte
	copy(a[:], []byte(s))
	return a
}

func mustPeerID(s string) [PeerIDSize]byte {
	var a [PeerIDSize]byte
	copy(a[:], []byte(s))
	return a
}

func TestHandshake_MarshalUnmarshal_OK(t *testing.T) {
	info := mustHash("info_hash_0123456789abcdef01234")
	peer := mustPeerID("peer_id_16bytes_")

	h := NewHandshake(info, peer, ExtDHT|ExtMetadataExchange)

	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}
	if len(b) != handshakeLen {
		t.Fatalf("MarshalBinary() length = %d, want %d", len(b), handshakeLen)
	}
	if b[0] != ProtocolVersion {
		t.Fatalf("version = %d, want %d", b[0], ProtocolVersion)
	}

	var got Handshake
	if err := (&got).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if got.InfoHash != info {
		t.Fatalf("InfoHash mismatch: got %x, want %x", got.InfoHash, info)
	}
	if got.PeerID != peer {
		t.Fatalf("PeerID mismatch: got %x, want %x", got.PeerID, peer)
	}
	if !got.Extensions.Has(ExtDHT) || !got.Extensions.Has(ExtMetadataExchange) {
		t.Fatalf("Extensions = %b, want DHT|MetadataExchange set", got.Extensions)
	}
	if got.Extensions.Has(ExtFast) {
		t.Fatalf("Extensions unexpectedly carries ExtFast")
	}
}

func TestHandshake_UnmarshalBinary_ShortInput(t *testing.T) {
	var h Handshake
	if err := h.UnmarshalBinary(make([]byte, handshakeLen-1)); !errors.Is(err, ErrShortHandshake) {
		t.Fatalf("UnmarshalBinary() error = %v, want ErrShortHandshake", err)
	}
}

func TestHandshake_Exchange_InfoHashMismatch(t *testing.T) {
	local := NewHandshake(mustHash("a"), mustPeerID("local-peer-id-16"), 0)
	remote := NewHandshake(mustHash("b"), mustPeerID("remote-peer-id16"), 0)

	var pipe bytes.Buffer
	if _, err := remote.WriteTo(&pipe); err != nil {
		t.Fatalf("remote WriteTo error: %v", err)
	}

	rw := &loopback{in: &pipe, out: &bytes.Buffer{}}
	if _, err := local.Exchange(rw, true); !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("Exchange() error = %v, want ErrInfoHashMismatch", err)
	}
}

// loopback lets Exchange write to out and read the pre-seeded in buffer, so
// a single-sided handshake can be tested without a real connection.
type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }

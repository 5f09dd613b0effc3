package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// ProtocolVersion is the only Grid wire version this codec speaks.
	ProtocolVersion uint8 = 1
	// InfoHashSize matches internal/piece.HashSize (SHA-256).
	InfoHashSize = 32
	// PeerIDSize holds a raw google/uuid (16 bytes) identifying a node.
	PeerIDSize = 16
	// ALPN is the protocol peer sessions negotiate over QUIC.
	ALPN = "pswp"
)

// Extensions is a bitmask of optional capabilities negotiated during the
// handshake. Peers that share no bits fall back to the minimal message set:
// Handshake, Bitfield, Have, Request, Piece, Choke/Unchoke,
// Interested/NotInterested, KeepAlive.
type Extensions uint32

const (
	ExtFast             Extensions = 1 << 0
	ExtDHT              Extensions = 1 << 1
	ExtEncryption       Extensions = 1 << 2
	ExtMetadataExchange Extensions = 1 << 3
)

// Has reports whether both sides advertised the given extension bit.
func (e Extensions) Has(bit Extensions) bool { return e&bit != 0 }

// Handshake is the first frame exchanged on every new peer stream. It
// identifies the transfer (InfoHash) and the local node (PeerID), and
// negotiates optional capabilities via Extensions.
//
// Wire format (little-endian):
//
//	<version:1><info_hash:32><peer_id:16><extensions:4>
type Handshake struct {
	Version    uint8
	InfoHash   [InfoHashSize]byte
	PeerID     [PeerIDSize]byte
	Extensions Extensions
}

const handshakeLen = 1 + InfoHashSize + PeerIDSize + 4

var (
	ErrShortHandshake      = errors.New("wire: short handshake")
	ErrVersionMismatch     = errors.New("wire: unsupported protocol version")
	ErrInfoHashMismatch    = errors.New("wire: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds a handshake for the given transfer and local peer
// identity, advertising ext.
func NewHandshake(infoHash [InfoHashSize]byte, peerID [PeerIDSize]byte, ext Extensions) *Handshake {
	return &Handshake{
		Version:    ProtocolVersion,
		InfoHash:   infoHash,
		PeerID:     peerID,
		Extensions: ext,
	}
}

func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, handshakeLen)
	buf[0] = h.Version
	offset := 1
	offset += copy(buf[offset:], h.InfoHash[:])
	offset += copy(buf[offset:], h.PeerID[:])
	binary.LittleEndian.PutUint32(buf[offset:], uint32(h.Extensions))
	return buf, nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < handshakeLen {
		return ErrShortHandshake
	}

	h.Version = b[0]
	offset := 1
	copy(h.InfoHash[:], b[offset:offset+InfoHashSize])
	offset += InfoHashSize
	copy(h.PeerID[:], b[offset:offset+PeerIDSize])
	offset += PeerIDSize
	h.Extensions = Extensions(binary.LittleEndian.Uint32(b[offset:]))

	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}
	if err := h.UnmarshalBinary(buf); err != nil {
		return int64(len(buf)), err
	}
	return int64(len(buf)), nil
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h *Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes the local handshake to rw, reads the remote one back, and
// validates protocol version and (if requested) that both sides carry the
// same info hash.
func (h *Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (peer Handshake, err error) {
	if _, err = h.WriteTo(rw); err != nil {
		return Handshake{}, err
	}
	if _, err = (&peer).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Version != ProtocolVersion {
		return Handshake{}, ErrVersionMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return peer, nil
}

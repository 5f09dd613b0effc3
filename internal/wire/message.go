// Package wire implements the Grid peer-to-peer message codec: a
// length-prefixed, tagged frame format exchanged over a QUIC stream once a
// handshake has completed.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageLength bounds a single frame's payload, guarding against a
// malicious or buggy peer claiming an unbounded length prefix.
const MaxMessageLength = 10 * 1024 * 1024 // 10 MiB

type Kind uint8

const (
	KindHandshake Kind = iota
	KindBitfield
	KindHave
	KindRequest
	KindPiece
	KindCancel
	KindChoke
	KindUnchoke
	KindInterested
	KindNotInterested
	KindMetadataRequest
	KindMetadataResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindBitfield:
		return "Bitfield"
	case KindHave:
		return "Have"
	case KindRequest:
		return "Request"
	case KindPiece:
		return "Piece"
	case KindCancel:
		return "Cancel"
	case KindChoke:
		return "Choke"
	case KindUnchoke:
		return "Unchoke"
	case KindInterested:
		return "Interested"
	case KindNotInterested:
		return "NotInterested"
	case KindMetadataRequest:
		return "MetadataRequest"
	case KindMetadataResponse:
		return "MetadataResponse"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Message is a single Grid wire frame.
//
// Wire format (little-endian, unlike the BitTorrent big-endian convention
// this is generalized from):
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><kind:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame, sent to hold a connection open
// across 30s of outbound idle (see KeepAliveInterval in the peer session).
type Message struct {
	Kind    Kind
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("wire: short message")
	ErrBadLengthPrefix = errors.New("wire: invalid length prefix")
	ErrMessageTooLarge = errors.New("wire: message exceeds maximum length")
	ErrBadPayloadSize  = errors.New("wire: invalid payload size for message kind")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{Kind: KindChoke} }
func MessageUnchoke() *Message       { return &Message{Kind: KindUnchoke} }
func MessageInterested() *Message    { return &Message{Kind: KindInterested} }
func MessageNotInterested() *Message { return &Message{Kind: KindNotInterested} }
func MessageMetadataRequest() *Message {
	return &Message{Kind: KindMetadataRequest}
}

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, index)
	return &Message{Kind: KindHave, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{Kind: KindBitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], begin)
	binary.LittleEndian.PutUint32(payload[8:12], length)
	return &Message{Kind: KindRequest, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{Kind: KindPiece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], index)
	binary.LittleEndian.PutUint32(payload[4:8], begin)
	binary.LittleEndian.PutUint32(payload[8:12], length)
	return &Message{Kind: KindCancel, Payload: payload}
}

func MessageMetadataResponse(data []byte) *Message {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Message{Kind: KindMetadataResponse, Payload: cp}
}

func MessageError(code uint16, msg string) *Message {
	payload := make([]byte, 2+len(msg))
	binary.LittleEndian.PutUint16(payload[0:2], code)
	copy(payload[2:], msg)
	return &Message{Kind: KindError, Payload: payload}
}

// ParseHave returns the piece index for a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.Kind != KindHave || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request payload into index, begin, and length.
func (m *Message) ParseRequest() (idx, begin, length uint32, ok bool) {
	if m == nil || m.Kind != KindRequest || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.LittleEndian.Uint32(m.Payload[0:4]),
		binary.LittleEndian.Uint32(m.Payload[4:8]),
		binary.LittleEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
func (m *Message) ParsePiece() (idx, begin uint32, block []byte, ok bool) {
	if m == nil || m.Kind != KindPiece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.LittleEndian.Uint32(m.Payload[0:4]),
		binary.LittleEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParseCancel parses a Cancel payload into index, begin, and length.
func (m *Message) ParseCancel() (idx, begin, length uint32, ok bool) {
	if m == nil || m.Kind != KindCancel || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.LittleEndian.Uint32(m.Payload[0:4]),
		binary.LittleEndian.Uint32(m.Payload[4:8]),
		binary.LittleEndian.Uint32(m.Payload[8:12]),
		true
}

// ParseError parses an Error payload into its code and message.
func (m *Message) ParseError() (code uint16, msg string, ok bool) {
	if m == nil || m.Kind != KindError || len(m.Payload) < 2 {
		return 0, "", false
	}
	return binary.LittleEndian.Uint16(m.Payload[0:2]), string(m.Payload[2:]), true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	length := 1 + len(m.Payload)
	if length > MaxMessageLength {
		return nil, ErrMessageTooLarge
	}

	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.Kind)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary accepts both keep-alive (length=0) and normal frames.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.LittleEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if length > MaxMessageLength {
		return ErrMessageTooLarge
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.Kind = Kind(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)
	return nil
}

// WriteTo writes m's wire form to w. A nil *Message writes a keep-alive.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	length := 1 + len(m.Payload)
	if length > MaxMessageLength {
		return 0, ErrMessageTooLarge
	}

	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.Kind)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// ReadFrom reads one full frame from r, enforcing MaxMessageLength.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.LittleEndian.Uint32(lp[:])
	if length == 0 {
		*m = Message{}
		return 4, nil
	}
	if length > MaxMessageLength {
		return 4, ErrMessageTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}
	m.Kind = Kind(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)

	return int64(4 + len(buf)), nil
}

// ReadMessage reads one frame from r, normalizing keep-alive to a nil
// *Message.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	if m.Payload == nil && m.Kind == 0 {
		return nil, nil
	}
	return &m, nil
}

// WriteMessage writes m to w, sending a keep-alive frame when m is nil.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize rejects frames whose payload length is inconsistent
// with their declared kind, guarding malformed or adversarial peers.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}

	switch m.Kind {
	case KindHave:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case KindRequest, KindCancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case KindPiece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case KindError:
		if len(m.Payload) < 2 {
			return ErrBadPayloadSize
		}
	}
	return nil
}

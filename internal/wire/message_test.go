package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessage_KeepAlive_MarshalUnmarshal(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive: %v", err)
	}
	if dec.Kind != 0 || dec.Payload != nil {
		t.Fatalf("decoded keep-alive unexpected: %+v", dec)
	}
}

func TestMessage_ConstructorsAndParsers(t *testing.T) {
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}

	m = MessageRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	m = MessageError(404, "no such piece")
	code, msg, ok := m.ParseError()
	if !ok || code != 404 || msg != "no such piece" {
		t.Fatalf("ParseError got (%d,%q,%v)", code, msg, ok)
	}

	bits := []byte{0xAA, 0x55}
	m = MessageBitfield(bits)
	bits[0] ^= 0xFF
	if len(m.Payload) != 2 || m.Payload[0] != 0xAA || m.Payload[1] != 0x55 {
		t.Fatalf("MessageBitfield did not copy input: %v", m.Payload)
	}
}

func TestMessage_ValidatePayloadSize_Errors(t *testing.T) {
	tests := []Message{
		{Kind: KindHave, Payload: []byte{}},
		{Kind: KindRequest, Payload: []byte("too short")},
		{Kind: KindCancel, Payload: []byte{1, 2, 3}},
		{Kind: KindPiece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}},
		{Kind: KindError, Payload: []byte{0}},
	}
	for _, m := range tests {
		if err := (&m).ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("want ErrBadPayloadSize for %+v, got %v", m, err)
		}
	}
}

func TestMessage_MarshalUnmarshal_Normal_LittleEndian(t *testing.T) {
	m := MessageRequest(1, 2, 3)
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}
	if got, want := binary.LittleEndian.Uint32(b[0:4]), uint32(13); got != want {
		t.Fatalf("length prefix = %d, want %d", got, want)
	}
	if got := b[4]; got != byte(KindRequest) {
		t.Fatalf("kind = %d, want %d", got, KindRequest)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if dec.Kind != KindRequest || !bytes.Equal(dec.Payload, m.Payload) {
		t.Fatalf("decoded mismatch: %+v vs %+v", dec, m)
	}
}

func TestMessage_WriteRead_RoundTrip(t *testing.T) {
	src := MessagePiece(9, 1024, []byte("hello"))

	var buf bytes.Buffer
	if _, err := src.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo error: %v", err)
	}

	var dst Message
	if _, err := (&dst).ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom error: %v", err)
	}
	if dst.Kind != src.Kind || !bytes.Equal(dst.Payload, src.Payload) {
		t.Fatalf("round-trip mismatch: %+v vs %+v", dst, src)
	}
}

func TestReadMessage_KeepAliveNormalization(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 0})
	m, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if m != nil {
		t.Fatalf("want nil for keep-alive, got %+v", m)
	}
}

func TestMessage_ReadFrom_RejectsOversizeLength(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxMessageLength+1)

	r := bytes.NewReader(hdr[:])
	var m Message
	if _, err := (&m).ReadFrom(r); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("ReadFrom() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestMessage_ReadFrom_Errors(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 5)

	r := bytes.NewReader(append(hdr[:], []byte{byte(KindHave), 0x00, 0x00}...))
	var m Message
	if _, err := (&m).ReadFrom(r); err == nil {
		t.Fatalf("expected error for truncated message, got nil")
	}
}

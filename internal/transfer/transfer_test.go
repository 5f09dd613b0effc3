package transfer

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// memStream adapts net.Conn to the Stream interface transfer needs.
type memStream struct{ net.Conn }

func (m memStream) SetDeadline(t time.Time) error { return m.Conn.SetDeadline(t) }

// pairedConn connects a sender-side Conn to a receiver-side Conn entirely
// in-process: every OpenStreamSync on one side hands the other end of a
// fresh net.Pipe to the peer's AcceptStream.
type pairedConn struct {
	outgoing chan Stream
	incoming chan Stream
}

func newConnPair() (a, b *pairedConn) {
	ab := make(chan Stream, 8)
	ba := make(chan Stream, 8)
	a = &pairedConn{outgoing: ab, incoming: ba}
	b = &pairedConn{outgoing: ba, incoming: ab}
	return a, b
}

func (c *pairedConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	local, remote := net.Pipe()
	c.outgoing <- memStream{remote}
	return memStream{local}, nil
}

func (c *pairedConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTransfer_SendFile_RoundTrip(t *testing.T) {
	senderConn, receiverConn := newConnPair()

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "greeting.txt")
	content := []byte("hello from the sender side of the grid")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	sender := New(senderConn, dstDir, DefaultConfig(), nil)
	receiver := New(receiverConn, dstDir, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiver.Serve(ctx)

	jobID, err := sender.SendFile(ctx, srcPath)
	if err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := sender.Progress(jobID); ok && p.Done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p, ok := sender.Progress(jobID)
	if !ok || !p.Done {
		t.Fatalf("transfer did not complete: progress=%+v ok=%v", p, ok)
	}
	if p.AcknowledgedBytes != int64(len(content)) {
		t.Fatalf("AcknowledgedBytes = %d, want %d", p.AcknowledgedBytes, len(content))
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile(dst) error = %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("destination content = %q, want %q", got, content)
	}
}

func TestAdaptiveBlockSize_Clamped(t *testing.T) {
	if got := AdaptiveBlockSize(1); got != MinBlockSize {
		t.Fatalf("AdaptiveBlockSize(1) = %d, want %d", got, MinBlockSize)
	}
	if got := AdaptiveBlockSize(10_000_000_000); got != MaxBlockSize {
		t.Fatalf("AdaptiveBlockSize(huge) = %d, want %d", got, MaxBlockSize)
	}
}

package blockio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestFile(t *testing.T, size int64) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	mf, err := Open(path, size)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { mf.Close() })
	return mf
}

func TestFile_WriteThenReadAt(t *testing.T) {
	mf := newTestFile(t, 64)

	payload := []byte("hello, grid")
	if err := mf.WriteAt(10, payload); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	got, err := mf.ReadAt(10, int64(len(payload)))
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt() = %q, want %q", got, payload)
	}
}

func TestFile_ReadAt_OutOfBounds(t *testing.T) {
	mf := newTestFile(t, 16)
	if _, err := mf.ReadAt(10, 100); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestFile_EmptySize(t *testing.T) {
	mf := newTestFile(t, 0)
	if err := mf.WriteAt(0, nil); err != nil {
		t.Fatalf("WriteAt() on empty file error = %v", err)
	}
}

func TestPool_ReadWrite(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	mf := newTestFile(t, 32)
	ctx := context.Background()

	err := pool.Write(ctx, func() error { return mf.WriteAt(0, []byte("abcd")) })
	if err != nil {
		t.Fatalf("pool.Write() error = %v", err)
	}

	got, err := pool.Read(ctx, func() ([]byte, error) { return mf.ReadAt(0, 4) })
	if err != nil {
		t.Fatalf("pool.Read() error = %v", err)
	}
	if !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("pool.Read() = %q, want %q", got, "abcd")
	}
}

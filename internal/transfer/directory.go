package transfer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// countingWriter discards bytes while counting how many were written, used
// to measure a streamed zip's exact size before transmitting it.
type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// zipDir walks dir and writes a Store-method (uncompressed) zip archive of
// its contents to w. Store is used rather than Deflate so the archive's
// size is a pure function of the input files, letting SendDirectory
// measure the size in a dry run without writing anything to disk.
func zipDir(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		hdr := &zip.FileHeader{Name: filepath.ToSlash(rel), Method: zip.Store}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}

	return zw.Close()
}

// SendDirectory streams dir as a zip archive to the peer without staging it
// on disk: one pass measures the archive's exact size (Store-method zips
// are size-deterministic given their inputs), a second pass feeds it
// through an io.Pipe into the same manifest/block-stream protocol SendFile
// uses for a single file read from disk.
func (t *Transfer) SendDirectory(ctx context.Context, dir string) (JobID, error) {
	var cw countingWriter
	if err := zipDir(&cw, dir); err != nil {
		return JobID{}, fmt.Errorf("transfer: measuring directory archive: %w", err)
	}

	blockSize := AdaptiveBlockSize(cw.n)
	manifest := NewManifest(filepath.Base(dir)+".zip", cw.n, blockSize)

	j := &job{manifest: manifest, window: newSlidingWindow(t.cfg.ThroughputWindow)}
	t.jobs.Put(manifest.JobID, j)

	if err := t.sendManifest(ctx, manifest); err != nil {
		return JobID{}, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(zipDir(pw, dir))
	}()

	go func() {
		if err := t.sendBlocksFromReader(ctx, pr, j); err != nil {
			t.log.Warn("send directory blocks failed", "job_id", manifest.JobID, "error", err)
			return
		}
		if err := t.sendDone(ctx, manifest.JobID); err != nil {
			t.log.Warn("send directory done failed", "job_id", manifest.JobID, "error", err)
		}
		j.done.Store(true)
	}()

	return manifest.JobID, nil
}

// sendBlocksFromReader splits r sequentially into j.manifest's declared
// block layout, used when the source has no random-access offsets (a
// streamed zip) rather than a file.
func (t *Transfer) sendBlocksFromReader(ctx context.Context, r io.Reader, j *job) error {
	manifest := j.manifest
	for idx := int32(0); idx < manifest.TotalBlocks; idx++ {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		offset, size := manifest.BlockBounds(idx)
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.sem.Release(1)
			return fmt.Errorf("transfer: reading block %d: %w", idx, err)
		}

		header := BlockHeader{
			JobID:      manifest.JobID,
			BlockIndex: idx,
			Offset:     offset,
			Size:       size,
			Checksum:   checksumBytes(buf),
		}

		if err := t.sendBlock(ctx, header, buf, j); err != nil {
			t.sem.Release(1)
			return err
		}
		t.sem.Release(1)
	}
	return nil
}

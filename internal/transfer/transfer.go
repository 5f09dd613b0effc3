package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/prxssh/pswp/pkg/syncmap"
)

// Stream is one bidirectional QUIC stream, matching the subset of
// quic.Stream a transfer job needs.
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// Conn is the subset of quic.Connection a transfer job needs: the ability
// to open new outbound streams and accept new inbound ones.
type Conn interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
}

// Config tunes multi-stream transfer behavior.
type Config struct {
	MaxConcurrentStreams int
	BlockAckTimeout      time.Duration
	ThroughputWindow     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 32,
		BlockAckTimeout:      30 * time.Second,
		ThroughputWindow:     2 * time.Second,
	}
}

// JobID identifies one file transfer.
type JobID = uuid.UUID

// Progress is a snapshot of one job's verified-throughput counters.
type Progress struct {
	JobID             JobID
	BytesTransferred  int64
	AcknowledgedBytes int64
	TotalBytes        int64
	Rate              uint64 // acknowledged bytes/sec over the sliding window
	Done              bool
}

type job struct {
	manifest Manifest
	transferred atomic.Int64
	acked       atomic.Int64
	done        atomic.Bool
	window      *slidingWindow
}

// Transfer drives outbound (Send*) and inbound (Serve) sides of the
// multi-stream protocol over one QUIC connection.
type Transfer struct {
	cfg  Config
	log  *slog.Logger
	conn Conn
	sem  *semaphore.Weighted

	jobs *syncmap.Map[JobID, *job]

	// downloadDir is where Serve writes incoming files.
	downloadDir string
}

// New builds a Transfer bound to conn, writing received files under
// downloadDir.
func New(conn Conn, downloadDir string, cfg Config, logger *slog.Logger) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{
		cfg:         cfg,
		log:         logger.With("component", "transfer"),
		conn:        conn,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams)),
		jobs:        syncmap.New[JobID, *job](),
		downloadDir: downloadDir,
	}
}

// SendFile transfers one local file to the peer this Transfer's connection
// targets, returning its job ID immediately after the manifest is
// acknowledged; block streams continue in the background.
func (t *Transfer) SendFile(ctx context.Context, path string) (JobID, error) {
	f, err := os.Open(path)
	if err != nil {
		return JobID{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return JobID{}, err
	}

	manifest := NewManifest(filepath.Base(path), info.Size(), AdaptiveBlockSize(info.Size()))
	if sum, err := checksumFile(f); err == nil {
		manifest.Checksum = sum
	}

	j := &job{manifest: manifest, window: newSlidingWindow(t.cfg.ThroughputWindow)}
	t.jobs.Put(manifest.JobID, j)

	if err := t.sendManifest(ctx, manifest); err != nil {
		f.Close()
		return JobID{}, err
	}

	go func() {
		defer f.Close()
		if err := t.sendBlocks(ctx, f, j); err != nil {
			t.log.Warn("send blocks failed", "job_id", manifest.JobID, "error", err)
			return
		}
		if err := t.sendDone(ctx, manifest.JobID); err != nil {
			t.log.Warn("send done failed", "job_id", manifest.JobID, "error", err)
		}
		j.done.Store(true)
	}()

	return manifest.JobID, nil
}

// SendFiles fans out one multi-stream job per path, all sharing this
// Transfer's block-stream semaphore.
func (t *Transfer) SendFiles(ctx context.Context, paths []string) ([]JobID, error) {
	ids := make([]JobID, 0, len(paths))
	for _, p := range paths {
		id, err := t.SendFile(ctx, p)
		if err != nil {
			return ids, fmt.Errorf("transfer: send %s: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *Transfer) sendManifest(ctx context.Context, manifest Manifest) error {
	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := writeFramedJSON(stream, markerManifest, manifest); err != nil {
		return err
	}
	return expectMarker(stream, markerManifestAck)
}

// sendBlocks fans block streams out across goroutines bounded by t.sem, so
// up to cfg.MaxConcurrentStreams block streams are ever in flight at once
// rather than sent one at a time. ReadAt is safe to call concurrently on the
// same *os.File since it never touches the shared file offset.
func (t *Transfer) sendBlocks(ctx context.Context, f *os.File, j *job) error {
	manifest := j.manifest
	g, gctx := errgroup.WithContext(ctx)

	for idx := int32(0); idx < manifest.TotalBlocks; idx++ {
		if err := t.sem.Acquire(gctx, 1); err != nil {
			return err
		}

		g.Go(func() error {
			defer t.sem.Release(1)

			offset, size := manifest.BlockBounds(idx)
			buf := make([]byte, size)
			if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
				return err
			}

			header := BlockHeader{
				JobID:      manifest.JobID,
				BlockIndex: idx,
				Offset:     offset,
				Size:       size,
				Checksum:   checksumBytes(buf),
			}

			return t.sendBlock(gctx, header, buf, j)
		})
	}

	return g.Wait()
}

func (t *Transfer) sendBlock(ctx context.Context, header BlockHeader, data []byte, j *job) error {
	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	deadline, cancel := context.WithTimeout(ctx, t.cfg.BlockAckTimeout)
	defer cancel()
	if dl, ok := deadline.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if err := writeFramedJSON(stream, markerBlock, header); err != nil {
		return err
	}
	if _, err := stream.Write(data); err != nil {
		return err
	}
	j.transferred.Add(int64(len(data)))

	if err := expectMarker(stream, markerBlockAck); err != nil {
		return err
	}
	j.acked.Add(int64(len(data)))
	j.window.Add(int64(len(data)))
	return nil
}

func (t *Transfer) sendDone(ctx context.Context, jobID JobID) error {
	stream, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	type doneMsg struct {
		JobID JobID `json:"job_id"`
	}
	return writeFramedJSON(stream, markerDone, doneMsg{JobID: jobID})
}

// Serve accepts inbound control/block streams until ctx is cancelled,
// dispatching each by its marker. Intended to run in its own goroutine
// alongside a Transfer's send side.
func (t *Transfer) Serve(ctx context.Context) error {
	for {
		stream, err := t.conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go t.handleStream(ctx, stream)
	}
}

func (t *Transfer) handleStream(ctx context.Context, stream Stream) {
	defer stream.Close()

	marker, err := readMarker(stream)
	if err != nil {
		t.log.Warn("failed to read stream marker", "error", err)
		return
	}

	switch marker {
	case markerManifest:
		t.handleManifest(stream)
	case markerBlock:
		t.handleBlock(stream)
	case markerDone:
		t.handleDone(stream)
	default:
		t.log.Warn("unknown stream marker", "marker", string(marker[:]))
	}
}

func (t *Transfer) handleManifest(stream Stream) {
	var m Manifest
	if err := readLengthPrefixedJSON(stream, &m); err != nil {
		t.log.Warn("manifest decode failed", "error", err)
		return
	}

	destPath := filepath.Join(t.downloadDir, filepath.Base(m.FileName))
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.log.Warn("failed to open destination file", "path", destPath, "error", err)
		return
	}
	if err := f.Truncate(m.FileSize); err != nil {
		f.Close()
		t.log.Warn("failed to preallocate destination file", "path", destPath, "error", err)
		return
	}
	f.Close()

	t.jobs.Put(m.JobID, &job{manifest: m, window: newSlidingWindow(t.cfg.ThroughputWindow)})

	if err := writeMarker(stream, markerManifestAck); err != nil {
		t.log.Warn("failed to ack manifest", "error", err)
	}
}

func (t *Transfer) handleBlock(stream Stream) {
	var header BlockHeader
	if err := readLengthPrefixedJSON(stream, &header); err != nil {
		return
	}

	data := make([]byte, header.Size)
	if _, err := io.ReadFull(stream, data); err != nil {
		t.log.Warn("block body read failed", "job_id", header.JobID, "error", err)
		return
	}

	j, ok := t.jobs.Get(header.JobID)
	if !ok {
		t.log.Warn("block for unknown job", "job_id", header.JobID)
		return
	}

	destPath := filepath.Join(t.downloadDir, filepath.Base(j.manifest.FileName))
	f, err := os.OpenFile(destPath, os.O_RDWR, 0o644)
	if err != nil {
		t.log.Warn("failed to open destination for block write", "error", err)
		return
	}
	_, werr := f.WriteAt(data, header.Offset)
	ferr := f.Sync()
	f.Close()
	if werr != nil || ferr != nil {
		t.log.Warn("block write failed", "job_id", header.JobID, "error", werr)
		return
	}

	j.transferred.Add(int64(len(data)))
	j.acked.Add(int64(len(data)))
	j.window.Add(int64(len(data)))

	if err := writeMarker(stream, markerBlockAck); err != nil {
		t.log.Warn("failed to ack block", "error", err)
	}
}

func (t *Transfer) handleDone(stream Stream) {
	var msg struct {
		JobID JobID `json:"job_id"`
	}
	if err := readLengthPrefixedJSON(stream, &msg); err != nil {
		return
	}

	if j, ok := t.jobs.Get(msg.JobID); ok {
		j.done.Store(true)
	}
}

// Progress returns a snapshot of one job's verified-throughput counters.
func (t *Transfer) Progress(id JobID) (Progress, bool) {
	j, ok := t.jobs.Get(id)
	if !ok {
		return Progress{}, false
	}

	return Progress{
		JobID:             id,
		BytesTransferred:  j.transferred.Load(),
		AcknowledgedBytes: j.acked.Load(),
		TotalBytes:        j.manifest.FileSize,
		Rate:              j.window.Rate(),
		Done:              j.done.Load(),
	}, true
}

func checksumFile(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

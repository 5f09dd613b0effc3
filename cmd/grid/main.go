// Command grid is the peer-facing CLI: it sends and receives files over a
// direct QUIC multi-stream connection, or joins a mesh swarm to download a
// file from several peers at once.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/prxssh/pswp/internal/config"
	"github.com/prxssh/pswp/internal/gridpeer"
	"github.com/prxssh/pswp/internal/piece"
	"github.com/prxssh/pswp/internal/scheduler"
	"github.com/prxssh/pswp/internal/swarm"
	"github.com/prxssh/pswp/internal/transfer"
	"github.com/prxssh/pswp/internal/wire"
	"github.com/prxssh/pswp/pkg/logging"
)

func main() {
	setupLogger()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:])
	case "receive":
		err = runReceive(os.Args[2:])
	case "mesh":
		err = runMesh(os.Args[2:])
	case "seed-metadata":
		err = runSeedMetadata(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("grid", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  grid send -addr host:port file [file...]
  grid receive -addr host:port -dir downloads
  grid seed-metadata -file path -piece-length 262144 -out meta.json
  grid mesh -meta meta.json -dir downloads [-listen :7778] [-peers host:port,...] [-seed]`)
}

// runSend dials addr and pushes one or more files over a direct QUIC
// multi-stream transfer (C7/C8), waiting for every job to finish.
func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	addr := fs.String("addr", "", "peer address (host:port)")
	fs.Parse(args)
	paths := fs.Args()
	if *addr == "" || len(paths) == 0 {
		return fmt.Errorf("send: -addr and at least one file are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{wire.ALPN}}
	conn, err := quic.DialAddr(ctx, *addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer conn.CloseWithError(0, "done")

	t := transfer.New(quicTransferConn{conn}, "", transfer.DefaultConfig(), slog.Default())
	jobs, err := t.SendFiles(ctx, paths)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		for {
			p, ok := t.Progress(job)
			if !ok || p.Done {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	slog.Info("send complete", "jobs", len(jobs))
	return nil
}

// runReceive listens on addr and serves every incoming connection with a
// Transfer, writing completed files under -dir.
func runReceive(args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	addr := fs.String("addr", ":7777", "listen address")
	dir := fs.String("dir", ".", "download directory")
	fs.Parse(args)

	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return err
	}

	listener, err := quic.ListenAddr(*addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer listener.Close()
	slog.Info("receive listening", "addr", listener.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			t := transfer.New(quicTransferConn{conn}, *dir, transfer.DefaultConfig(), slog.Default())
			if err := t.Serve(ctx); err != nil {
				slog.Debug("transfer serve stopped", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// runSeedMetadata hashes a local file into a FileMetadata JSON document a
// leecher can verify received pieces against.
func runSeedMetadata(args []string) error {
	fs := flag.NewFlagSet("seed-metadata", flag.ExitOnError)
	file := fs.String("file", "", "path to the file to advertise")
	pieceLength := fs.Int("piece-length", 256*1024, "piece length in bytes")
	out := fs.String("out", "", "where to write the metadata JSON (default: <file>.json)")
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("seed-metadata: -file is required")
	}

	meta, err := piece.HashFile(*file, int32(*pieceLength))
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = *file + ".json"
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	slog.Info("wrote metadata", "path", dest, "pieces", meta.PieceCount())
	return nil
}

// runMesh joins a mesh swarm (C1-C6) around the file described by -meta,
// per spec §4.6 accepting inbound peers and dialing outbound ones
// identically. With -seed it verifies -dir's existing file against the
// metadata instead of waiting to receive it, exercising the same
// rarest-first scheduling and choke behavior the embedded DHT's discovered
// peers would drive in production.
func runMesh(args []string) error {
	fs := flag.NewFlagSet("mesh", flag.ExitOnError)
	metaPath := fs.String("meta", "", "path to metadata JSON from seed-metadata")
	dir := fs.String("dir", ".", "directory holding (seed) or receiving (leech) the file")
	peerList := fs.String("peers", "", "comma-separated peer addresses to dial (optional)")
	listen := fs.String("listen", "", "address to accept inbound peers on (optional)")
	seed := fs.Bool("seed", false, "verify -dir's existing file instead of downloading it")
	fs.Parse(args)
	if *metaPath == "" {
		return fmt.Errorf("mesh: -meta is required")
	}

	raw, err := os.ReadFile(*metaPath)
	if err != nil {
		return err
	}
	var meta piece.FileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return err
	}

	destPath := filepath.Join(*dir, meta.Name)
	mgr, err := piece.NewManager(&meta, destPath, slog.Default())
	if err != nil {
		return err
	}
	defer mgr.Close()

	if *seed {
		if err := mgr.VerifyExisting(); err != nil {
			return err
		}
		if !mgr.Complete() {
			return fmt.Errorf("mesh: -seed given but %s does not match metadata", destPath)
		}
	}

	sched := scheduler.New(mgr, scheduler.DefaultConfig(), slog.Default())

	cfg := config.Init(nil)
	var localID [wire.PeerIDSize]byte
	copy(localID[:], cfg.NodeID[:])

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{wire.ALPN}}
	sw := swarm.New(&swarm.Opts{
		Config:    swarm.DefaultConfig(),
		Logger:    slog.Default(),
		InfoHash:  meta.InfoHash,
		LocalID:   localID,
		Manager:   mgr,
		Scheduler: sched,
		Dialer:    quicDialer{tlsConf: clientTLS},
		IsSeeder:  *seed,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listen != "" {
		serverTLS, err := selfSignedTLSConfig()
		if err != nil {
			return err
		}
		listener, err := quic.ListenAddr(*listen, serverTLS, nil)
		if err != nil {
			return err
		}
		defer listener.Close()
		slog.Info("mesh accepting inbound peers", "addr", listener.Addr())
		go acceptPeers(ctx, listener, sw)
	}

	if *peerList != "" {
		var addrs []netip.AddrPort
		for _, a := range strings.Split(*peerList, ",") {
			addr, err := netip.ParseAddrPort(a)
			if err != nil {
				slog.Warn("skipping unparsable peer address", "addr", a, "error", err)
				continue
			}
			addrs = append(addrs, addr)
		}
		sw.AdmitPeers(addrs)
	}

	if !*seed {
		go func() {
			for !mgr.Complete() {
				time.Sleep(time.Second)
				if ctx.Err() != nil {
					return
				}
			}
			slog.Info("download complete", "peers", sw.PeerCount())
			stop()
		}()
	}

	return sw.Run(ctx)
}

// acceptPeers wraps every inbound QUIC connection's first stream into the
// swarm, the inbound mirror of the swarm's own outbound dialerLoop.
func acceptPeers(ctx context.Context, listener *quic.Listener, sw *swarm.Swarm) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				slog.Debug("inbound stream accept failed", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
			if err != nil {
				slog.Warn("inbound peer has unparsable remote addr", "remote", conn.RemoteAddr(), "error", err)
				return
			}
			if err := sw.AcceptPeer(ctx, addr, stream); err != nil {
				slog.Debug("inbound peer session ended", "addr", addr, "error", err)
			}
		}()
	}
}

// quicTransferConn adapts *quic.Conn to internal/transfer.Conn.
type quicTransferConn struct{ conn *quic.Conn }

func (c quicTransferConn) OpenStreamSync(ctx context.Context) (transfer.Stream, error) {
	return c.conn.OpenStreamSync(ctx)
}

func (c quicTransferConn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	return c.conn.AcceptStream(ctx)
}

// quicDialer adapts quic.DialAddr to internal/swarm.Dialer: one new QUIC
// connection (and its first stream) per peer admitted into the swarm.
type quicDialer struct {
	tlsConf *tls.Config
}

func (d quicDialer) Dial(ctx context.Context, addr netip.AddrPort) (gridpeer.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr.String(), d.tlsConf, nil)
	if err != nil {
		return nil, err
	}
	return conn.OpenStreamSync(ctx)
}

func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "grid-peer"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{wire.ALPN},
	}, nil
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}

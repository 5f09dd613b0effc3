// Package relay runs a minimal QUIC rendezvous relay: two peers behind NAT
// that cannot reach each other directly each open a stream to the relay
// carrying the same 32-byte pairing token, and the relay splices the two
// streams together until either side closes.
package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the protocol Grid's relay negotiates over TLS.
const ALPN = "pswp-relay"

const tokenSize = 32

type Config struct {
	ListenAddr  string
	MaxSessions int
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ListenAddr: ":0", MaxSessions: 50, IdleTimeout: 300 * time.Second}
}

type Stats struct {
	TotalConnections atomic.Uint64
	ActiveSessions   atomic.Int64
	BytesRelayed     atomic.Uint64
}

// Relay accepts QUIC connections and pairs streams carrying a matching
// rendezvous token.
type Relay struct {
	cfg Config
	log *slog.Logger

	listener *quic.Listener
	sessions chan struct{} // admission permits, capacity MaxSessions

	mu      sync.Mutex
	waiting map[[tokenSize]byte]*quic.Stream

	Stats Stats
}

func New(cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	return &Relay{
		cfg:      cfg,
		log:      logger.With("component", "relay"),
		sessions: make(chan struct{}, cfg.MaxSessions),
		waiting:  make(map[[tokenSize]byte]*quic.Stream),
	}
}

// Start listens on cfg.ListenAddr and begins accepting connections. It
// returns once the listener is bound; Serve does the accept-loop blocking.
func (r *Relay) Start() error {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return fmt.Errorf("relay: generate tls config: %w", err)
	}

	quicConf := &quic.Config{MaxIdleTimeout: r.cfg.IdleTimeout}

	listener, err := quic.ListenAddr(r.cfg.ListenAddr, tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("relay: listen: %w", err)
	}
	r.listener = listener
	return nil
}

func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) Serve(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			return err
		}

		select {
		case r.sessions <- struct{}{}:
			r.Stats.TotalConnections.Add(1)
			r.Stats.ActiveSessions.Add(1)
			go r.handleConn(ctx, conn)
		default:
			r.log.Warn("relay at session capacity, rejecting connection", "remote", conn.RemoteAddr())
			conn.CloseWithError(0, "relay at capacity")
		}
	}
}

func (r *Relay) Stop() error {
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Relay) handleConn(ctx context.Context, conn *quic.Conn) {
	defer func() {
		<-r.sessions
		r.Stats.ActiveSessions.Add(-1)
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go r.handleStream(stream)
	}
}

func (r *Relay) handleStream(stream *quic.Stream) {
	var token [tokenSize]byte
	if _, err := io.ReadFull(stream, token[:]); err != nil {
		stream.Close()
		return
	}

	r.mu.Lock()
	peer, ok := r.waiting[token]
	if ok {
		delete(r.waiting, token)
	} else {
		r.waiting[token] = stream
	}
	r.mu.Unlock()

	if !ok {
		// First arrival for this token: wait for handleStream's pairing
		// goroutine (spawned when the second stream shows up) to splice.
		return
	}

	r.splice(stream, peer)
}

func (r *Relay) splice(a, b *quic.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyAndCount := func(dst io.Writer, src io.Reader) {
		defer wg.Done()
		n, _ := io.Copy(dst, src)
		r.Stats.BytesRelayed.Add(uint64(n))
	}

	go copyAndCount(a, b)
	go copyAndCount(b, a)
	wg.Wait()

	a.Close()
	b.Close()
}

// Token derives a rendezvous token from two peer IDs, order-independent so
// either side computes the same value.
func Token(a, b [16]byte) [tokenSize]byte {
	var lo, hi [16]byte
	if string(a[:]) <= string(b[:]) {
		lo, hi = a, b
	} else {
		lo, hi = b, a
	}

	var buf [32]byte
	copy(buf[:16], lo[:])
	copy(buf[16:], hi[:])
	return buf
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
		Subject:      pkix.Name{CommonName: "grid-relay"},
		DNSNames:     []string{"localhost", "grid-relay.local"},
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
		NextProtos:   []string{ALPN},
	}, nil
}

// Package gridpeer implements a single peer session: one QUIC stream
// speaking the Grid wire protocol, plus the read/write/rate-tracking loops
// that keep it alive.
package gridpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/pswp/internal/config"
	"github.com/prxssh/pswp/internal/wire"
	"github.com/prxssh/pswp/pkg/bitfield"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Stream is the subset of quic.Stream a Peer needs: a bidirectional byte
// pipe with independent read/write deadlines. quic.Stream satisfies this
// directly.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Peer is one live session with a remote node over a single QUIC stream
// carrying the Grid wire protocol.
type Peer struct {
	log             *slog.Logger
	stream          Stream
	addr            netip.AddrPort
	remoteID        [wire.PeerIDSize]byte
	extensions      wire.Extensions
	state           uint32
	stats           *Stats
	bitfieldMu      sync.RWMutex
	bitfield        bitfield.Bitfield
	lastActivityAt  atomic.Int64
	lastSentAt      atomic.Int64
	gotFirstMessage atomic.Bool
	outbox          chan *wire.Message
	closeOnce       sync.Once
	startOnce       sync.Once
	stopped         atomic.Bool
	cancel          context.CancelFunc

	onBitfield       func(netip.AddrPort, bitfield.Bitfield)
	onHave           func(netip.AddrPort, int)
	onDisconnect     func(netip.AddrPort)
	onHandshake      func(netip.AddrPort)
	onPiece          func(netip.AddrPort, int, int32, []byte)
	onRequest        func(netip.AddrPort, int, int32, int32)
	onMetadataReq    func(netip.AddrPort)
	onMetadataResp   func(netip.AddrPort, []byte)
	requestWork      func(netip.AddrPort)
}

// Stats holds per-connection counters and timestamps. The byte, message,
// request, piece and error counters are atomic and only increase for the
// lifetime of a peer; DownloadRate and UploadRate hold the latest smoothed
// rate and rise and fall with traffic.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Metrics is a snapshot of a single peer session's connection and transfer
// stats, suitable for exposing through internal/statsapi.
type Metrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   time.Duration
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

// Opts configures a new Peer. Callbacks are invoked from the peer's own
// goroutines and must not block.
type Opts struct {
	Log          *slog.Logger
	PieceCount   int
	InfoHash     [wire.InfoHashSize]byte
	LocalPeerID  [wire.PeerIDSize]byte
	Extensions   wire.Extensions

	OnBitfield     func(netip.AddrPort, bitfield.Bitfield)
	OnHave         func(netip.AddrPort, int)
	OnDisconnect   func(netip.AddrPort)
	OnHandshake    func(netip.AddrPort)
	OnPiece        func(netip.AddrPort, int, int32, []byte)
	OnRequest      func(netip.AddrPort, int, int32, int32)
	OnMetadataReq  func(netip.AddrPort)
	OnMetadataResp func(netip.AddrPort, []byte)
	RequestWork    func(netip.AddrPort)
}

// New wraps an already-open QUIC stream as a peer session, performing the
// Grid handshake before returning. The caller dialed or accepted the
// underlying connection; New only owns the stream.
func New(stream Stream, addr netip.AddrPort, initiator bool, opts *Opts) (*Peer, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "gridpeer", "addr", addr)

	hs := wire.NewHandshake(opts.InfoHash, opts.LocalPeerID, opts.Extensions)
	var remote wire.Handshake
	var err error
	if initiator {
		remote, err = hs.Exchange(stream, true)
	} else if remote, err = wire.ReadHandshake(stream); err == nil {
		switch {
		case remote.Version != wire.ProtocolVersion:
			err = wire.ErrVersionMismatch
		case remote.InfoHash != hs.InfoHash:
			err = wire.ErrInfoHashMismatch
		default:
			err = wire.WriteHandshake(stream, hs)
		}
	}
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("gridpeer: handshake with %s: %w", addr, err)
	}

	p := &Peer{
		log:            log,
		stream:         stream,
		addr:           addr,
		remoteID:       remote.PeerID,
		extensions:     hs.Extensions & remote.Extensions,
		stats:          &Stats{},
		onBitfield:     opts.OnBitfield,
		onHave:         opts.OnHave,
		onDisconnect:   opts.OnDisconnect,
		onHandshake:    opts.OnHandshake,
		onPiece:        opts.OnPiece,
		onRequest:      opts.OnRequest,
		onMetadataReq:  opts.OnMetadataReq,
		onMetadataResp: opts.OnMetadataResp,
		requestWork:    opts.RequestWork,
		bitfield:       bitfield.New(opts.PieceCount),
		outbox:         make(chan *wire.Message, config.Load().PeerOutboundQueueBacklog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.lastSentAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p, nil
}

// Extensions reports the capability bits both sides advertised.
func (p *Peer) Extensions() wire.Extensions { return p.extensions }

// RemoteAddr returns the peer's network address.
func (p *Peer) RemoteAddr() netip.AddrPort { return p.addr }

// Bitfield returns a snapshot of the remote peer's last-known piece
// bitfield.
func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

// RemotePeerID returns the 16-byte identity the remote side presented.
func (p *Peer) RemotePeerID() [wire.PeerIDSize]byte { return p.remoteID }

// Run drives the peer's read, write, and rate-tracking loops until ctx is
// cancelled or any loop returns an error.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	return g.Wait()
}

// Close shuts the peer session down, closing the stream and outbox exactly
// once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.stream.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}

		p.log.Debug("stopped peer")
	})
}

// Idleness reports how long it has been since the last read or write.
func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastActivityAt.Load())
	return time.Since(ns)
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) { p.enqueueMessage(wire.MessageBitfield(bf.Bytes())) }
func (p *Peer) SendKeepAlive()                    { p.enqueueMessage(nil) }
func (p *Peer) SendChoke()                        { p.enqueueMessage(wire.MessageChoke()) }
func (p *Peer) SendUnchoke()                      { p.enqueueMessage(wire.MessageUnchoke()) }
func (p *Peer) SendInterested()                   { p.enqueueMessage(wire.MessageInterested()) }
func (p *Peer) SendNotInterested()                { p.enqueueMessage(wire.MessageNotInterested()) }
func (p *Peer) SendHave(piece uint32)              { p.enqueueMessage(wire.MessageHave(piece)) }
func (p *Peer) SendMetadataRequest()              { p.enqueueMessage(wire.MessageMetadataRequest()) }
func (p *Peer) SendMetadataResponse(data []byte)  { p.enqueueMessage(wire.MessageMetadataResponse(data)) }

func (p *Peer) SendCancel(piece int, begin, length int32) {
	p.enqueueMessage(wire.MessageCancel(uint32(piece), uint32(begin), uint32(length)))
}

func (p *Peer) SendRequest(piece int, begin, length int32) {
	if p.PeerChoking() {
		return
	}
	p.enqueueMessage(wire.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

// SendPiece queues an upload. Serving a piece is gated on our own am_choking
// state, already checked by the caller (swarm.onPeerRequest) before this is
// reached — it must not also gate on PeerChoking, which reflects whether the
// remote is choking us and has no bearing on whether we may upload to them.
// A pure seeder never becomes interested in a pure leecher, so the leecher
// never unchokes the seeder; gating on PeerChoking here would silently drop
// every block in that direction.
func (p *Peer) SendPiece(piece int, begin int32, block []byte) {
	p.enqueueMessage(wire.MessagePiece(uint32(piece), uint32(begin), block))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			l.Warn("failed to read message, exiting", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write loop")
	l.Debug("started")

	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}

	keepAliveInterval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(message); err != nil {
				l.Warn("failed to write message, exiting", "error", err.Error())
				return err
			}

		case <-ticker.C:
			// Keepalive fires on outbound idle only: it exists so the remote
			// keeps hearing from us, not in response to what we've heard.
			lastSentAt := time.Unix(0, p.lastSentAt.Load())
			if time.Since(lastSentAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// Rate calculation mirrors the teacher's EMA smoothing: a 1s ticker
// snapshots the monotonic byte counters, derives an instantaneous
// bytes/sec delta, then blends it into a running average with α=0.2.
func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var upEMA, downEMA uint64
	var inited bool

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)

			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*wire.Message, error) {
	_ = p.stream.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
	defer p.stream.SetReadDeadline(time.Time{})

	message, err := wire.ReadMessage(p.stream)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())
	return message, nil
}

func (p *Peer) writeMessage(message *wire.Message) error {
	_ = p.stream.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.stream.SetWriteDeadline(time.Time{})

	if err := wire.WriteMessage(p.stream, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *wire.Message) error {
	if wire.IsKeepAlive(message) {
		return nil
	}
	if err := message.ValidatePayloadSize(); err != nil {
		return err
	}

	if !p.gotFirstMessage.Swap(true) && message.Kind != wire.KindBitfield {
		return fmt.Errorf("gridpeer: first post-handshake message was %q, want bitfield", message.Kind)
	}

	switch message.Kind {
	case wire.KindChoke:
		p.setState(maskPeerChoking, true)
	case wire.KindUnchoke:
		p.setState(maskPeerChoking, false)
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case wire.KindInterested:
		p.setState(maskPeerInterested, true)
	case wire.KindNotInterested:
		p.setState(maskPeerInterested, false)
	case wire.KindBitfield:
		bf, err := bitfield.FromBytes(message.Payload, p.bitfield.Len())
		if err != nil {
			return fmt.Errorf("gridpeer: malformed bitfield: %w", err)
		}
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
	case wire.KindHave:
		idx, ok := message.ParseHave()
		if !ok {
			return errors.New("gridpeer: malformed have message")
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(idx), true)
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, int(idx))
		}
	case wire.KindPiece:
		idx, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("gridpeer: malformed piece message")
		}
		if p.onPiece != nil {
			p.onPiece(p.addr, int(idx), int32(begin), block)
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
	case wire.KindRequest:
		idx, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("gridpeer: malformed request message")
		}
		p.stats.RequestsReceived.Add(1)
		if p.onRequest != nil {
			p.onRequest(p.addr, int(idx), int32(begin), int32(length))
		}
	case wire.KindCancel:
		p.stats.RequestsCancelled.Add(1)
	case wire.KindMetadataRequest:
		if p.onMetadataReq != nil {
			p.onMetadataReq(p.addr)
		}
	case wire.KindMetadataResponse:
		if p.onMetadataResp != nil {
			p.onMetadataResp(p.addr, message.Payload)
		}
	case wire.KindError:
		code, msg, _ := message.ParseError()
		return fmt.Errorf("gridpeer: peer error %d: %s", code, msg)
	default:
		return fmt.Errorf("gridpeer: unknown message kind %q", message.Kind)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *wire.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *wire.Message) {
	p.stats.MessagesSent.Add(1)
	now := time.Now().UnixNano()
	p.lastActivityAt.Store(now)
	p.lastSentAt.Store(now)

	if message == nil {
		return
	}

	switch message.Kind {
	case wire.KindChoke:
		p.setState(maskAmChoking, true)
	case wire.KindUnchoke:
		p.setState(maskAmChoking, false)
	case wire.KindInterested:
		p.setState(maskAmInterested, true)
	case wire.KindNotInterested:
		p.setState(maskAmInterested, false)
	case wire.KindRequest:
		p.stats.RequestsSent.Add(1)
	case wire.KindPiece:
		if n := len(message.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case wire.KindCancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

// Stats returns a snapshot of this peer session's metrics.
func (p *Peer) Stats() Metrics {
	lastActive := time.Unix(0, p.lastActivityAt.Load())
	connectedAt := p.stats.ConnectedAt

	return Metrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   time.Since(connectedAt),
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}

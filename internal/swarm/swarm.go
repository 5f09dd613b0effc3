// Package swarm coordinates every peer session for one transfer: dialing,
// admission, choking, and pulling block requests from the scheduler.
package swarm

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/pswp/internal/events"
	"github.com/prxssh/pswp/internal/gridpeer"
	"github.com/prxssh/pswp/internal/piece"
	"github.com/prxssh/pswp/internal/scheduler"
	"github.com/prxssh/pswp/internal/wire"
	"github.com/prxssh/pswp/pkg/bitfield"
	"golang.org/x/sync/semaphore"
)

// Config tunes swarm-wide admission and maintenance behavior.
type Config struct {
	MaxPeers               int
	UploadSlots            int
	PeerOutboxBacklog      int
	DialTimeout            time.Duration
	RechokeInterval        time.Duration
	MaintenanceInterval    time.Duration
	PeerInactivityDuration time.Duration
	// ScheduleInterval is how often the swarm pulls new block requests from
	// the scheduler for each unchoked peer.
	ScheduleInterval time.Duration
	// MaxRequestsPerPull bounds how many blocks one scheduling tick may
	// assign to a single peer.
	MaxRequestsPerPull int
	// ProgressInterval is how often a TransferProgress event is emitted.
	ProgressInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPeers:               50,
		UploadSlots:            4,
		PeerOutboxBacklog:      256,
		DialTimeout:            7 * time.Second,
		RechokeInterval:        10 * time.Second,
		MaintenanceInterval:    5 * time.Second,
		PeerInactivityDuration: 60 * time.Second,
		ScheduleInterval:       100 * time.Millisecond,
		MaxRequestsPerPull:     16,
		ProgressInterval:       time.Second,
	}
}

// Dialer opens a new QUIC stream to addr, performing whatever transport
// handshake is needed below the Grid wire handshake. internal/gridpeer.New
// takes over from the returned stream.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (gridpeer.Stream, error)
}

// Swarm owns every live peer session for a single transfer's info hash.
type Swarm struct {
	cfg       Config
	log       *slog.Logger
	mgr       *piece.Manager
	scheduler *scheduler.Scheduler
	dialer    Dialer
	sink      events.Sink

	infoHash [wire.InfoHashSize]byte
	localID  [wire.PeerIDSize]byte
	isSeeder bool

	peerMut sync.RWMutex
	peers   map[netip.AddrPort]*gridpeer.Peer

	connectSem *semaphore.Weighted
	connectCh  chan netip.AddrPort

	transferDone atomic.Bool
	stats        Stats
}

// Stats holds swarm-wide aggregate counters, refreshed by statsLoop.
type Stats struct {
	TotalPeers      atomic.Uint32
	UnchokedPeers   atomic.Uint32
	InterestedPeers atomic.Uint32
	TotalDownloaded atomic.Uint64
	TotalUploaded   atomic.Uint64
	DownloadRate    atomic.Uint64
	UploadRate      atomic.Uint64
}

// Opts configures a new Swarm.
type Opts struct {
	Config    Config
	Logger    *slog.Logger
	InfoHash  [wire.InfoHashSize]byte
	LocalID   [wire.PeerIDSize]byte
	Manager   *piece.Manager
	Scheduler *scheduler.Scheduler
	Dialer    Dialer
	Sink      events.Sink
	IsSeeder  bool
}

// New builds a Swarm ready to admit peers once Run starts.
func New(opts *Opts) *Swarm {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard{}
	}

	return &Swarm{
		cfg:        opts.Config,
		log:        log.With("component", "swarm"),
		mgr:        opts.Manager,
		scheduler:  opts.Scheduler,
		dialer:     opts.Dialer,
		sink:       sink,
		infoHash:   opts.InfoHash,
		localID:    opts.LocalID,
		isSeeder:   opts.IsSeeder,
		peers:      make(map[netip.AddrPort]*gridpeer.Peer),
		connectSem: semaphore.NewWeighted(int64(opts.Config.MaxPeers)),
		connectCh:  make(chan netip.AddrPort, opts.Config.MaxPeers),
	}
}

// AdmitPeers queues newly discovered addresses for dialing, dropping any
// that don't fit in the backlog rather than blocking the caller.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.connectCh <- addr:
		default:
			s.log.Warn("admit queue full; dropping candidate", "addr", addr)
		}
	}
}

// Run drives dialing, maintenance, choking, stats, and request scheduling
// until ctx is cancelled.
func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	loops := []func(context.Context){
		s.maintenanceLoop,
		s.statsLoop,
		s.chokeLoop,
		s.scheduleLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dialerLoop(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (s *Swarm) peerOpts() *gridpeer.Opts {
	return &gridpeer.Opts{
		Log:         s.log,
		PieceCount:  s.mgr.Metadata().PieceCount(),
		InfoHash:    s.infoHash,
		LocalPeerID: s.localID,
		OnHandshake: func(addr netip.AddrPort) {
			if p, ok := s.peer(addr); ok {
				p.SendBitfield(s.mgr.Bitfield())
			}
		},
		OnBitfield:  s.onPeerBitfield,
		OnHave:      s.onPeerHave,
		OnPiece:     s.onPeerPiece,
		OnRequest:   s.onPeerRequest,
		RequestWork: s.onPeerUnchoked,
	}
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*gridpeer.Peer, error) {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	s.peerMut.RUnlock()
	if dup {
		return nil, nil
	}

	if !s.connectSem.TryAcquire(1) {
		return nil, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	stream, err := s.dialer.Dial(dialCtx, addr)
	if err != nil {
		s.connectSem.Release(1)
		return nil, err
	}

	p, err := gridpeer.New(stream, addr, true, s.peerOpts())
	if err != nil {
		s.connectSem.Release(1)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[addr] = p
	s.peerMut.Unlock()

	s.sink.Emit(events.Event{Kind: events.KindPeerConnected, Data: events.PeerConnected{Addr: addr}})
	return p, nil
}

// AcceptPeer wraps an already-accepted inbound stream into a peer session,
// the mirror of addPeer's outbound dial path: incoming QUIC connections wrap
// into peer sessions identically to outbound ones. Blocks for the lifetime
// of the session; callers run it in its own goroutine per accepted
// connection.
func (s *Swarm) AcceptPeer(ctx context.Context, addr netip.AddrPort, stream gridpeer.Stream) error {
	s.peerMut.RLock()
	_, dup := s.peers[addr]
	s.peerMut.RUnlock()
	if dup {
		return stream.Close()
	}

	if !s.connectSem.TryAcquire(1) {
		return stream.Close()
	}

	p, err := gridpeer.New(stream, addr, false, s.peerOpts())
	if err != nil {
		s.connectSem.Release(1)
		return err
	}

	s.peerMut.Lock()
	s.peers[addr] = p
	s.peerMut.Unlock()

	s.sink.Emit(events.Event{Kind: events.KindPeerConnected, Data: events.PeerConnected{Addr: addr}})

	defer s.removePeer(addr, p.Bitfield())
	return p.Run(ctx)
}

func (s *Swarm) removePeer(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.peerMut.Lock()
	_, exists := s.peers[addr]
	delete(s.peers, addr)
	s.peerMut.Unlock()

	if !exists {
		return
	}

	s.connectSem.Release(1)
	s.scheduler.ReleasePeer(addr, bf)
	s.sink.Emit(events.Event{Kind: events.KindPeerDisconnected, Data: events.PeerConnected{Addr: addr}})
}

func (s *Swarm) dialerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-s.connectCh:
			if !ok {
				return
			}
			p, err := s.addPeer(ctx, addr)
			if err != nil {
				s.log.Debug("dial failed", "addr", addr, "error", err.Error())
				continue
			}
			if p == nil {
				continue
			}

			go func() {
				defer s.removePeer(addr, p.Bitfield())
				_ = p.Run(ctx)
			}()
		}
	}
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var stale []netip.AddrPort
			s.peerMut.RLock()
			for addr, p := range s.peers {
				if p.Idleness() > s.cfg.PeerInactivityDuration {
					stale = append(stale, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range stale {
				if p, ok := s.peer(addr); ok {
					p.Close()
				}
			}
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	progress := time.NewTicker(s.cfg.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshStats()
		case <-progress.C:
			s.emitProgress()
		}
	}
}

func (s *Swarm) refreshStats() {
	var totUp, totDown, upRate, downRate uint64
	var unchoked, interested uint32

	s.peerMut.RLock()
	total := uint32(len(s.peers))
	for _, p := range s.peers {
		m := p.Stats()
		totUp += m.Uploaded
		totDown += m.Downloaded
		upRate += m.UploadRate
		downRate += m.DownloadRate
		if !p.AmChoking() {
			unchoked++
		}
		if p.PeerInterested() {
			interested++
		}
	}
	s.peerMut.RUnlock()

	s.stats.TotalPeers.Store(total)
	s.stats.TotalUploaded.Store(totUp)
	s.stats.TotalDownloaded.Store(totDown)
	s.stats.UploadRate.Store(upRate)
	s.stats.DownloadRate.Store(downRate)
	s.stats.UnchokedPeers.Store(unchoked)
	s.stats.InterestedPeers.Store(interested)
}

func (s *Swarm) emitProgress() {
	bf := s.mgr.Bitfield()
	meta := s.mgr.Metadata()
	var done int64
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			plen, _ := meta.PieceLengthAt(i)
			done += int64(plen)
		}
	}
	total := meta.Size

	s.sink.Emit(events.Event{
		Kind: events.KindTransferProgress,
		Data: events.TransferProgress{
			BytesDone:    done,
			BytesTotal:   total,
			DownloadRate: s.stats.DownloadRate.Load(),
			UploadRate:   s.stats.UploadRate.Load(),
			Peers:        int(s.stats.TotalPeers.Load()),
		},
	})
}

// chokeLoop implements the simplified policy Grid settled on: unchoke any
// peer that is interested, choke any peer that isn't. No tit-for-tat
// ranking, no optimistic unchoke slot.
func (s *Swarm) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RechokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.peerMut.RLock()
			for _, p := range s.peers {
				switch {
				case p.PeerInterested() && p.AmChoking():
					p.SendUnchoke()
				case !p.PeerInterested() && !p.AmChoking():
					p.SendChoke()
				}
			}
			s.peerMut.RUnlock()
		}
	}
}

// scheduleLoop pulls block assignments from the scheduler for every peer
// that currently has us unchoked, and turns them into Request messages.
func (s *Swarm) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.peerMut.RLock()
			snapshot := make([]*gridpeer.Peer, 0, len(s.peers))
			for _, p := range s.peers {
				snapshot = append(snapshot, p)
			}
			s.peerMut.RUnlock()

			for _, p := range snapshot {
				if p.PeerChoking() {
					continue
				}
				refs := s.scheduler.GenerateRequests(p.RemoteAddr(), p.Bitfield(), s.cfg.MaxRequestsPerPull)
				for _, ref := range refs {
					p.SendRequest(ref.PieceIndex, ref.Begin, ref.Length)
				}
			}
		}
	}
}

func (s *Swarm) peer(addr netip.AddrPort) (*gridpeer.Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.scheduler.OnPeerBitfield(bf)
	if p, ok := s.peer(addr); ok {
		ours := s.mgr.Bitfield()
		if bf.Difference(ours).Any() {
			p.SendInterested()
		}
	}
}

func (s *Swarm) onPeerHave(addr netip.AddrPort, index int) {
	s.scheduler.OnPeerHave(index)
	if p, ok := s.peer(addr); ok && !p.AmInterested() {
		if !s.mgr.Bitfield().Has(index) {
			p.SendInterested()
		}
	}
}

func (s *Swarm) onPeerPiece(addr netip.AddrPort, index int, begin int32, block []byte) {
	if err := s.mgr.WriteBlock(index, begin, block); err != nil {
		s.log.Warn("block write failed", "peer", addr, "piece", index, "error", err)
		return
	}
	if s.mgr.Bitfield().Has(index) {
		s.scheduler.NotifyBlockDone(true)
		s.sink.Emit(events.Event{Kind: events.KindPieceCompleted, Data: events.PieceCompleted{Index: index}})
		s.broadcastHave(uint32(index))

		if s.mgr.Complete() && !s.transferDone.Swap(true) {
			s.sink.Emit(events.Event{Kind: events.KindTransferDone, Data: events.TransferDone{InfoHash: s.infoHash}})
		}
	} else {
		s.scheduler.NotifyBlockDone(false)
	}
}

func (s *Swarm) onPeerRequest(addr netip.AddrPort, index int, begin, length int32) {
	p, ok := s.peer(addr)
	if !ok || p.AmChoking() {
		return
	}
	block, err := s.mgr.ReadBlock(index, begin, length)
	if err != nil {
		s.log.Warn("failed to serve block", "peer", addr, "piece", index, "error", err)
		return
	}
	p.SendPiece(index, begin, block)
}

func (s *Swarm) onPeerUnchoked(addr netip.AddrPort) {
	// Scheduling is pull-based on a timer (scheduleLoop); nothing to do
	// here beyond letting the next tick notice the peer is unchoked.
}

func (s *Swarm) broadcastHave(index uint32) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	for _, p := range s.peers {
		p.SendHave(index)
	}
}

// PeerCount returns the number of live peer sessions.
func (s *Swarm) PeerCount() int {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	return len(s.peers)
}

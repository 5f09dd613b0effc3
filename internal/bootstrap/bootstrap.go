// Package bootstrap composes a DHT node, a QUIC relay, and a stats HTTP
// listener into one long-lived local infrastructure service other Grid
// peers may target, with port fallback and a small lifecycle state
// machine.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/pswp/internal/dht"
	"github.com/prxssh/pswp/internal/discovery"
	"github.com/prxssh/pswp/internal/events"
	"github.com/prxssh/pswp/internal/mdnsdisco"
	"github.com/prxssh/pswp/internal/relay"
	"github.com/prxssh/pswp/internal/statsapi"
)

// State is a snapshot of the bootstrap service's lifecycle.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	startDeadline = 5 * time.Second
	stopDeadline  = 3 * time.Second
	// peerDiscoveredBacklog bounds the channel the DHT's PeerDiscovered
	// events are relayed through; a slow consumer drops rather than
	// stalls the DHT.
	peerDiscoveredBacklog = 100
)

// Config is the embedded bootstrap service's own configuration surface,
// distinct from the node-wide config.Config: it names raw ports rather
// than listen addresses because port fallback operates on them directly.
type Config struct {
	Enabled bool

	DHTPort   int
	QUICPort  int
	StatsPort int

	ExternalBootstrapNodes []string
	EnableMDNSDiscovery    bool
	EnableRelay            bool
	MaxRelaySessions       int

	PortFallbackAttempts int

	// TurnSecret, when non-empty, both enables statsapi's
	// POST /turn-credentials route and keys the HMAC credentials it
	// issues; grid-wide TURN relaying itself is still a stub (see
	// internal/turnstub). TurnServerURL is carried for callers to
	// advertise but isn't acted on here.
	TurnServerURL string
	TurnSecret    string

	NodeID  string
	Version string
	Logger  *slog.Logger
	Sink    events.Sink
}

func (c *Config) validate() error {
	if c.MaxRelaySessions < 1 || c.MaxRelaySessions > 1000 {
		return fmt.Errorf("bootstrap: max_relay_sessions %d out of range [1, 1000]", c.MaxRelaySessions)
	}
	for _, addr := range c.ExternalBootstrapNodes {
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return fmt.Errorf("bootstrap: unparsable external bootstrap address %q: %w", addr, err)
		}
	}
	return nil
}

// Ports is the resolved, possibly-fallen-back-to port assignment a
// successful Start reports.
type Ports struct {
	DHT   int
	QUIC  int
	Stats int
}

// Service is the running (or stopped) bootstrap instance.
type Service struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	state State
	err   error
	ports Ports

	dht            *dht.DHT
	relay          *relay.Relay
	stats          *statsapi.Server
	mdns           *mdnsdisco.Discoverer
	discoveryCache *discovery.Cache

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	discovered chan events.Event
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard{}
	}
	if cfg.PortFallbackAttempts <= 0 {
		cfg.PortFallbackAttempts = 10
	}
	return &Service{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "bootstrap"),
		state: Stopped,
	}
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the failure recorded when State() is Error.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Service) Ports() Ports {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports
}

// Start runs the C12 start sequence. A config validation failure or any
// subsystem failure within the 5s deadline leaves the service in Error
// without ever reaching Running.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != Stopped && s.state != Error {
		s.mu.Unlock()
		return fmt.Errorf("bootstrap: cannot start from state %s", s.state)
	}
	s.state = Starting
	s.err = nil
	s.mu.Unlock()
	s.emitState(Starting)

	if err := s.cfg.validate(); err != nil {
		s.fail(err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startDeadline)
	defer cancel()

	if err := s.start(ctx); err != nil {
		s.fail(err)
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	s.cancel = runCancel

	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()
	s.emitState(Running)

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.drainDiscovered(runCtx) }()

	if s.discoveryCache != nil {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.discoveryCache.Run(runCtx) }()
	}
	if s.cfg.EnableMDNSDiscovery && s.mdns != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.mdns.Browse(runCtx); err != nil && runCtx.Err() == nil {
				s.log.Error("mdns browse stopped", "error", err)
			}
		}()
	}

	return nil
}

func (s *Service) start(ctx context.Context) error {
	dhtPort, err := resolvePort(ctx, s.cfg.DHTPort, s.cfg.PortFallbackAttempts, probeUDP)
	if err != nil {
		return fmt.Errorf("bootstrap: resolve dht port: %w", err)
	}

	quicPort := s.cfg.QUICPort
	if s.cfg.EnableRelay {
		quicPort, err = resolvePort(ctx, s.cfg.QUICPort, s.cfg.PortFallbackAttempts, probeUDP)
		if err != nil {
			return fmt.Errorf("bootstrap: resolve quic port: %w", err)
		}
	}

	statsPort, err := resolvePort(ctx, s.cfg.StatsPort, s.cfg.PortFallbackAttempts, probeTCP)
	if err != nil {
		return fmt.Errorf("bootstrap: resolve stats port: %w", err)
	}

	s.discovered = make(chan events.Event, peerDiscoveredBacklog)
	dhtSink := events.Func(func(ev events.Event) {
		select {
		case s.discovered <- ev:
		default:
			s.log.Warn("dropping peer-discovered event, channel full")
		}
		s.cfg.Sink.Emit(ev)
	})

	localID := dht.NodeID(sha256.Sum256([]byte(s.cfg.NodeID)))

	d, err := dht.NewDHT(&dht.Config{
		Logger:         s.log,
		LocalID:        localID,
		ListenAddr:     fmt.Sprintf(":%d", dhtPort),
		BootstrapNodes: s.cfg.ExternalBootstrapNodes,
		Sink:           dhtSink,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: start dht: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("bootstrap: start dht: %w", err)
	}
	s.dht = d

	var relaySvc *relay.Relay
	if s.cfg.EnableRelay {
		relaySvc = relay.New(relay.Config{
			ListenAddr:  fmt.Sprintf(":%d", quicPort),
			MaxSessions: s.cfg.MaxRelaySessions,
			IdleTimeout: 300 * time.Second,
		}, s.log)
		if err := relaySvc.Start(); err != nil {
			d.Stop()
			return fmt.Errorf("bootstrap: start relay: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := relaySvc.Serve(context.Background()); err != nil {
				s.log.Debug("relay serve stopped", "error", err)
			}
		}()
		s.relay = relaySvc
	}

	var relayStats *relay.Stats
	if relaySvc != nil {
		relayStats = &relaySvc.Stats
	}
	statsServer := statsapi.New(fmt.Sprintf("127.0.0.1:%d", statsPort), statsapi.NewDHTStats(d), relayStats, s.cfg.TurnSecret)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := statsServer.ListenAndServe(); err != nil {
			s.log.Error("stats server stopped", "error", err)
		}
	}()
	s.stats = statsServer

	if s.cfg.EnableMDNSDiscovery {
		m := mdnsdisco.New(s.log, s.cfg.NodeID, s.cfg.Version)
		if err := m.Announce(dhtPort); err != nil {
			s.log.Warn("mdns announce failed, continuing without it", "error", err)
		} else {
			s.mdns = m
		}

		cache := discovery.New(s.mdns, s.cfg.Sink)
		s.discoveryCache = cache
	}

	s.mu.Lock()
	s.ports = Ports{DHT: dhtPort, QUIC: quicPort, Stats: statsPort}
	s.mu.Unlock()

	return nil
}

// drainDiscovered feeds DHT PeerDiscovered events into the mDNS+DHT hybrid
// cache. Discovered addresses are not fed back into DHT bootstrap.
func (s *Service) drainDiscovered(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.discovered:
			pd, ok := ev.Data.(events.PeerDiscovered)
			if !ok {
				continue
			}
			if s.discoveryCache != nil {
				s.discoveryCache.OnDHTPeer(pd.NodeID, pd.Addr)
			}
		}
	}
}

// Stop runs the C12 stop sequence, bounded by a 3s deadline; on timeout it
// force-clears state and still reports Stopped.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != Running && s.state != Error {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()
	s.emitState(Stopping)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.cancel != nil {
			s.cancel()
		}
		if s.mdns != nil {
			s.mdns.Shutdown()
		}
		if s.relay != nil {
			s.relay.Stop()
		}
		if s.stats != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopDeadline)
			defer cancel()
			s.stats.Shutdown(ctx)
		}
		if s.dht != nil {
			s.dht.Stop()
		}
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(stopDeadline):
		s.log.Warn("bootstrap stop exceeded deadline, force-clearing state")
	}

	s.mu.Lock()
	s.state = Stopped
	s.ports = Ports{}
	s.mu.Unlock()
	s.emitState(Stopped)
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	s.state = Error
	s.err = err
	s.mu.Unlock()
	s.cfg.Sink.Emit(events.Event{Kind: events.KindError, Data: err.Error()})
}

func (s *Service) emitState(state State) {
	s.cfg.Sink.Emit(events.Event{
		Kind: events.Kind("bootstrap-state-changed"),
		Data: map[string]any{"state": state.String(), "ports": s.Ports()},
	})
}

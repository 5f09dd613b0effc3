// Package config holds the process-wide, hot-swappable configuration for a
// Grid node. It is read far more often than it is written, so the current
// value is held in an atomic.Value rather than behind a mutex.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Config defines behavior and resource limits for a Grid node: transfer
// tuning, discovery, and the embedded bootstrap service all read from one
// shared value.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is where incoming transfers land by default.
	DefaultDownloadDir string

	// NodeID uniquely identifies this node across QUIC, DHT, and mDNS.
	NodeID uuid.UUID

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int

	// ListenAddr is the UDP address QUIC listens on for both Grid peer
	// sessions and multi-stream transfers.
	ListenAddr string
	// ALPN is the QUIC application protocol identifier Grid negotiates.
	ALPN string

	// PeerOutboundQueueBacklog bounds a peer session's outbox channel.
	PeerOutboundQueueBacklog int

	// ========== Piece Picker / Requests ==========

	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestQueueTime           time.Duration
	RequestTimeout             time.Duration
	EndgameDupPerBlock         int
	EndgameThreshold           int

	// ========== Seeding / Choking ==========

	UploadSlots     int
	RechokeInterval time.Duration

	// ========== Keepalive / Heartbeats ==========

	KeepAliveInterval      time.Duration
	PeerInactivityDuration time.Duration

	// ========== Multi-stream transfer (C7/C8) ==========

	// MaxConcurrentStreams bounds how many QUIC streams one transfer job
	// may open in parallel.
	MaxConcurrentStreams int
	// TransferBlockSize is the chunk size used when splitting a file
	// across streams, independent of Grid's MaxBlockLength.
	TransferBlockSize int32
	// ThroughputWindow is the sliding window used for verified-throughput
	// accounting.
	ThroughputWindow time.Duration

	// ========== DHT (C9) ==========

	DHTBucketSize    int
	DHTListenAddr    string
	DHTBootstrapPeers []string
	DHTRefreshPeriod time.Duration
	DHTProviderTTL   time.Duration
	DHTMaxProvidersPerHash int

	// ========== mDNS / hybrid discovery (C10/C11) ==========

	MDNSServiceType  string
	MDNSPollInterval time.Duration
	DiscoveryEvictionPeriod time.Duration

	// ========== Bootstrap service (C12) ==========

	BootstrapRelayPort    int
	BootstrapStatsPort    int
	BootstrapStartTimeout time.Duration
	BootstrapStopTimeout  time.Duration
	BootstrapPortFallbackAttempts int

	// ========== Miscellaneous ==========

	MetricsEnabled  bool
	MetricsBindAddr string
	EnableIPv6      bool
	HasIPV6         bool
}

func defaultConfig() Config {
	return Config{
		DefaultDownloadDir:         getDefaultDownloadDir(),
		NodeID:                     uuid.New(),
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		ListenAddr:                 ":0",
		ALPN:                       "pswp",
		PeerOutboundQueueBacklog:   256,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         4,
		EndgameThreshold:           20,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		KeepAliveInterval:          30 * time.Second,
		PeerInactivityDuration:     60 * time.Second,
		MaxConcurrentStreams:       8,
		TransferBlockSize:          256 * 1024,
		ThroughputWindow:           2 * time.Second,
		DHTBucketSize:              20,
		DHTListenAddr:              ":0",
		DHTRefreshPeriod:           15 * time.Minute,
		DHTProviderTTL:             1 * time.Hour,
		DHTMaxProvidersPerHash:     100,
		MDNSServiceType:            "_pswp._udp",
		MDNSPollInterval:           5 * time.Second,
		DiscoveryEvictionPeriod:    60 * time.Second,
		BootstrapRelayPort:         4242,
		BootstrapStatsPort:         4243,
		BootstrapStartTimeout:      5 * time.Second,
		BootstrapStopTimeout:       3 * time.Second,
		BootstrapPortFallbackAttempts: 5,
		MetricsEnabled:             false,
		MetricsBindAddr:            ":9090",
		EnableIPv6:                 hasIPV6(),
		HasIPV6:                    hasIPV6(),
	}
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "grid")
	default:
		return filepath.Join(home, ".local", "share", "grid", "downloads")
	}
}

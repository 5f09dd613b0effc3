// Package mdnsdisco announces and browses Grid peers on the local network
// segment via mDNS/DNS-SD, grounded on github.com/grandcat/zeroconf (pulled
// in by the wider example pack's manifests; exercised directly here).
package mdnsdisco

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the fixed DNS-SD service type every Grid node announces
// and browses under.
const ServiceType = "_pswp._udp"

// Domain is the mDNS domain Grid operates within.
const Domain = "local."

const maxInstanceNameBytes = 15

// Peer is a resolved mDNS peer entry with its highest-scoring address.
type Peer struct {
	NodeID  string
	Addr    netip.AddrPort
	Version string
}

// InstanceName truncates nodeID to a 15-byte mDNS instance name, falling
// back to "pswp-<4-hex>" when the ID itself doesn't fit so names stay
// readable instead of silently clipped mid-identifier.
func InstanceName(nodeID string) string {
	if len(nodeID) <= maxInstanceNameBytes {
		return nodeID
	}

	sum := sha256.Sum256([]byte(nodeID))
	return fmt.Sprintf("pswp-%s", hex.EncodeToString(sum[:2]))
}

// Discoverer announces this node's presence and browses for peers.
type Discoverer struct {
	log     *slog.Logger
	server  *zeroconf.Server
	nodeID  string
	version string

	mu    sync.RWMutex
	peers map[string]Peer
}

func New(logger *slog.Logger, nodeID, version string) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		log:     logger.With("component", "mdnsdisco"),
		nodeID:  nodeID,
		version: version,
		peers:   make(map[string]Peer),
	}
}

// Announce registers this node under ServiceType on port, carrying node_id/
// port/version as TXT records.
func (d *Discoverer) Announce(port int) error {
	txt := []string{
		"node_id=" + d.nodeID,
		"port=" + strconv.Itoa(port),
		"version=" + d.version,
	}

	server, err := zeroconf.Register(InstanceName(d.nodeID), ServiceType, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdnsdisco: register: %w", err)
	}

	d.server = server
	return nil
}

func (d *Discoverer) Shutdown() {
	if d.server != nil {
		d.server.Shutdown()
	}
}

// Browse runs until ctx is cancelled, populating the discovered-peer set as
// entries resolve.
func (d *Discoverer) Browse(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdnsdisco: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			d.handleEntry(entry)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("mdnsdisco: browse: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (d *Discoverer) handleEntry(entry *zeroconf.ServiceEntry) {
	peer, ok := parseEntry(entry)
	if !ok {
		return
	}
	if peer.NodeID == d.nodeID {
		return
	}

	d.mu.Lock()
	d.peers[peer.NodeID] = peer
	d.mu.Unlock()
}

// Snapshot returns the currently known peer set, the "5 s poll" C11 pulls
// from.
func (d *Discoverer) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var nodeID, version string
	for _, kv := range entry.Text {
		switch {
		case len(kv) > 8 && kv[:8] == "node_id=":
			nodeID = kv[8:]
		case len(kv) > 8 && kv[:8] == "version=":
			version = kv[8:]
		}
	}
	if nodeID == "" {
		return Peer{}, false
	}

	addr, ok := bestAddr(entry)
	if !ok {
		return Peer{}, false
	}

	return Peer{NodeID: nodeID, Addr: addr, Version: version}, true
}

// bestAddr ranks candidate addresses per spec §4.10: private IPv4 (100) >
// public IPv4 (50) > non-loopback IPv6 (25) > loopback (0).
func bestAddr(entry *zeroconf.ServiceEntry) (netip.AddrPort, bool) {
	type candidate struct {
		addr  netip.Addr
		score int
	}

	var candidates []candidate
	for _, ip := range entry.AddrIPv4 {
		candidates = append(candidates, candidate{addr: mustAddr(ip), score: scoreIPv4(ip)})
	}
	for _, ip := range entry.AddrIPv6 {
		candidates = append(candidates, candidate{addr: mustAddr(ip), score: scoreIPv6(ip)})
	}

	if len(candidates) == 0 {
		return netip.AddrPort{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}

	return netip.AddrPortFrom(best.addr, uint16(entry.Port)), true
}

func scoreIPv4(ip net.IP) int {
	if ip.IsLoopback() {
		return 0
	}
	if ip.IsPrivate() {
		return 100
	}
	return 50
}

func scoreIPv6(ip net.IP) int {
	if ip.IsLoopback() {
		return 0
	}
	return 25
}

func mustAddr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip.To16())
	return addr.Unmap()
}

// Package discovery merges Grid's two peer-discovery sources — mDNS local
// broadcast and the DHT — into one cache keyed by node ID, preferring a
// locally-seen address over a DHT-seen one for the same peer.
package discovery

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/prxssh/pswp/internal/events"
	"github.com/prxssh/pswp/internal/mdnsdisco"
)

// Source identifies which discovery channel most recently placed an entry.
type Source int

const (
	SourceDHT Source = iota
	SourceMDNS
)

func (s Source) String() string {
	if s == SourceMDNS {
		return "mdns"
	}
	return "dht"
}

// Entry is one cached peer sighting.
type Entry struct {
	NodeID        string
	Addr          netip.AddrPort
	Source        Source
	DiscoveredAt  time.Time
	LastSeen      time.Time
}

const (
	mdnsPollInterval = 5 * time.Second
	evictionInterval = 60 * time.Second
	// entryTTL is how long an entry survives without a re-sight from
	// either source before the eviction janitor drops it.
	entryTTL = 10 * time.Minute
)

// Cache is the hybrid peer table spec §4.11 describes.
type Cache struct {
	mdns *mdnsdisco.Discoverer
	sink events.Sink

	mu      sync.RWMutex
	entries map[string]*Entry

	nowFn func() time.Time
}

func New(mdns *mdnsdisco.Discoverer, sink events.Sink) *Cache {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Cache{
		mdns:    mdns,
		sink:    sink,
		entries: make(map[string]*Entry),
		nowFn:   time.Now,
	}
}

// Run polls mDNS every 5s and sweeps stale entries every 60s until ctx is
// cancelled. DHT sightings arrive via OnDHTPeer instead of a poll, since the
// DHT already pushes PeerDiscovered events as they happen.
func (c *Cache) Run(ctx context.Context) {
	mdnsTicker := time.NewTicker(mdnsPollInterval)
	defer mdnsTicker.Stop()
	evictTicker := time.NewTicker(evictionInterval)
	defer evictTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mdnsTicker.C:
			c.pollMDNS()
		case <-evictTicker.C:
			c.evictStale()
		}
	}
}

func (c *Cache) pollMDNS() {
	if c.mdns == nil {
		return
	}
	for _, p := range c.mdns.Snapshot() {
		c.see(p.NodeID, p.Addr, SourceMDNS)
	}
}

// OnDHTPeer feeds a DHT-sourced sighting into the cache; wired as the
// handler behind a dht.Config.Sink that also forwards to the caller's own
// sink.
func (c *Cache) OnDHTPeer(nodeID string, addr netip.AddrPort) {
	c.see(nodeID, addr, SourceDHT)
}

// see records or refreshes a sighting. An mDNS sighting always overwrites a
// DHT-sourced address for the same peer (mDNS is assumed more current on
// the local segment); a DHT sighting never downgrades an existing mDNS
// address, per spec §4.11's "source downgrades are ignored" rule.
func (c *Cache) see(nodeID string, addr netip.AddrPort, source Source) {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[nodeID]
	if !ok {
		c.entries[nodeID] = &Entry{
			NodeID: nodeID, Addr: addr, Source: source,
			DiscoveredAt: now, LastSeen: now,
		}
		c.sink.Emit(events.Event{
			Kind: events.KindPeerDiscovered,
			Data: events.PeerDiscovered{NodeID: nodeID, Addr: addr, Source: source.String()},
		})
		return
	}

	existing.LastSeen = now
	if source == SourceMDNS || existing.Source == SourceDHT {
		existing.Addr = addr
		existing.Source = source
	}
}

func (c *Cache) evictStale() {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		if now.Sub(e.LastSeen) > entryTTL {
			delete(c.entries, id)
		}
	}
}

// Peers returns every currently cached entry.
func (c *Cache) Peers() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lo.MapToSlice(c.entries, func(_ string, e *Entry) Entry {
		return *e
	})
}

// Peer looks up a single cached entry by node ID.
func (c *Cache) Peer(nodeID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[nodeID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

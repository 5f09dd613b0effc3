package discovery

import (
	"net/netip"
	"testing"
	"time"
)

func TestCache_MDNSAddressPreferredOverDHT(t *testing.T) {
	c := New(nil, nil)

	dhtAddr := netip.MustParseAddrPort("10.0.0.1:4000")
	mdnsAddr := netip.MustParseAddrPort("192.168.1.1:4000")

	c.OnDHTPeer("node-a", dhtAddr)
	c.see("node-a", mdnsAddr, SourceMDNS)

	entry, ok := c.Peer("node-a")
	if !ok {
		t.Fatal("Peer() not found")
	}
	if entry.Addr != mdnsAddr || entry.Source != SourceMDNS {
		t.Fatalf("entry = %+v, want mdns address to win", entry)
	}

	// A later DHT re-sight must not downgrade the mDNS-sourced address.
	c.OnDHTPeer("node-a", dhtAddr)
	entry, _ = c.Peer("node-a")
	if entry.Addr != mdnsAddr || entry.Source != SourceMDNS {
		t.Fatalf("entry after DHT re-sight = %+v, want mdns address retained", entry)
	}
}

func TestCache_EvictsStaleEntries(t *testing.T) {
	c := New(nil, nil)
	base := time.Now()
	c.nowFn = func() time.Time { return base }

	c.see("node-b", netip.MustParseAddrPort("10.0.0.2:4000"), SourceDHT)
	if _, ok := c.Peer("node-b"); !ok {
		t.Fatal("expected entry present right after insert")
	}

	c.nowFn = func() time.Time { return base.Add(entryTTL + time.Second) }
	c.evictStale()

	if _, ok := c.Peer("node-b"); ok {
		t.Fatal("expected stale entry to be evicted")
	}
}

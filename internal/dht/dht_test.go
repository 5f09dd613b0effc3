package dht

import (
	"net"
	"testing"
	"time"
)

func idWithBit(base NodeID, bit int) NodeID {
	id := base
	byteIdx := bit / 8
	bitIdx := byte(bit % 8)
	id[byteIdx] ^= 1 << (7 - bitIdx)
	return id
}

func TestBucketIndex_FlippedBitPicksExpectedBucket(t *testing.T) {
	local := RandomNodeID()

	for _, bit := range []int{0, 1, 7, 8, 128, 255} {
		remote := idWithBit(local, bit)
		want := bit
		if got := BucketIndex(local, remote); got != want {
			t.Fatalf("BucketIndex(bit=%d) = %d, want %d", bit, got, want)
		}
	}
}

func TestRoutingTable_InsertAndFindClosestK(t *testing.T) {
	local := RandomNodeID()
	rt := NewRoutingTable(local, nil)

	for i := 0; i < 50; i++ {
		id := RandomNodeID()
		contact := NewContact(NewNode(id, net.ParseIP("127.0.0.1"), 4000+i))
		rt.Insert(contact)
	}

	target := RandomNodeID()
	closest := rt.FindClosestK(target, K)
	if len(closest) == 0 {
		t.Fatal("FindClosestK returned no contacts")
	}
	if len(closest) > K {
		t.Fatalf("FindClosestK returned %d contacts, want at most %d", len(closest), K)
	}

	for i := 1; i < len(closest); i++ {
		if CompareDistance(target, closest[i-1].ID(), closest[i].ID()) > 0 {
			t.Fatalf("FindClosestK result not sorted by distance at index %d", i)
		}
	}
}

func TestRoutingTable_InsertSelfRejected(t *testing.T) {
	local := RandomNodeID()
	rt := NewRoutingTable(local, nil)

	contact := NewContact(NewNode(local, net.ParseIP("127.0.0.1"), 4000))
	if rt.Insert(contact) {
		t.Fatal("Insert(self) should be rejected")
	}
}

func TestBucket_FullBucketRejectsUntilLRUStale(t *testing.T) {
	b := NewBucket()
	for i := 0; i < K; i++ {
		id := RandomNodeID()
		c := NewContact(NewNode(id, net.ParseIP("127.0.0.1"), 5000+i))
		if !b.Insert(c) {
			t.Fatalf("Insert() failed to fill bucket at %d", i)
		}
	}

	newcomer := NewContact(NewNode(RandomNodeID(), net.ParseIP("127.0.0.1"), 6000))
	if b.Insert(newcomer) {
		t.Fatal("Insert() into a full bucket with a fresh LRU should be rejected")
	}

	lru := b.LRU()
	lru.lastSeen = time.Now().Add(-staleAge - time.Second)
	if !b.Insert(newcomer) {
		t.Fatal("Insert() should succeed once the LRU contact is stale")
	}
	if b.Get(newcomer.ID()) == nil {
		t.Fatal("newcomer not present after eviction")
	}
}

func TestProviderStore_AnnounceCapAndTTL(t *testing.T) {
	s := NewProviderStore()
	defer s.Close()

	hash := RandomNodeID()
	for i := 0; i < MaxProvidersPerHash+10; i++ {
		info := EncodePeerInfo(net.ParseIP("10.0.0.1"), uint16(1000+i))
		s.Announce(hash, info)
	}

	providers := s.Providers(hash)
	if len(providers) != MaxProvidersPerHash {
		t.Fatalf("Providers() length = %d, want %d", len(providers), MaxProvidersPerHash)
	}

	_, port := DecodePeerInfo(providers[0])
	if port != uint16(1000+MaxProvidersPerHash+9) {
		t.Fatalf("most recent announce not first: port = %d", port)
	}
}

func TestProviderStore_AnnounceRefreshesExisting(t *testing.T) {
	s := NewProviderStore()
	defer s.Close()

	hash := RandomNodeID()
	info := EncodePeerInfo(net.ParseIP("10.0.0.2"), 7000)
	s.Announce(hash, info)
	s.Announce(hash, info)

	if got := len(s.Providers(hash)); got != 1 {
		t.Fatalf("Providers() length = %d, want 1 (re-announce should refresh, not duplicate)", got)
	}
}

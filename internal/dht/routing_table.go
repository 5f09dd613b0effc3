package dht

import (
	"sort"

	"github.com/prxssh/pswp/internal/events"
)

const numBuckets = IDSize * 8

// RoutingTable's bucket array is fixed at construction time and each
// Bucket synchronizes its own contact slice, so no table-wide lock is
// needed beyond what each Bucket already provides.
type RoutingTable struct {
	localID NodeID
	sink    events.Sink
	buckets [numBuckets]*Bucket
}

func NewRoutingTable(localID NodeID, sink events.Sink) *RoutingTable {
	if sink == nil {
		sink = events.Discard{}
	}

	rt := &RoutingTable{localID: localID, sink: sink}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

func (rt *RoutingTable) ID() NodeID {
	return rt.localID
}

// Insert adds or refreshes contact, emitting a PeerDiscovered event the
// first time this node ID enters the table.
func (rt *RoutingTable) Insert(contact *Contact) bool {
	if contact.ID() == rt.localID {
		return false
	}

	bucketIdx := BucketIndex(rt.localID, contact.ID())
	bucket := rt.buckets[bucketIdx]

	isNew := bucket.Get(contact.ID()) == nil

	inserted := bucket.Insert(contact)
	if !inserted {
		inserted = rt.handleFullBucket(bucket, contact)
	}

	if inserted && isNew {
		rt.sink.Emit(events.Event{
			Kind: events.KindPeerDiscovered,
			Data: events.PeerDiscovered{
				NodeID: contact.ID().String(),
				Addr:   contact.node.addrPort(),
				Source: "dht",
			},
		})
	}

	return inserted
}

func (rt *RoutingTable) handleFullBucket(bucket *Bucket, newContact *Contact) bool {
	lru := bucket.LRU()
	if lru == nil {
		return false
	}

	if lru.IsBad() {
		bucket.Remove(lru.ID())
		return bucket.Insert(newContact)
	}

	// Questionable LRU contacts are left for the maintenance ping loop to
	// verify; the newcomer is rejected until then.
	return false
}

func (rt *RoutingTable) Remove(id NodeID) bool {
	bucketIdx := BucketIndex(rt.localID, id)
	return rt.buckets[bucketIdx].Remove(id)
}

func (rt *RoutingTable) Get(id NodeID) *Contact {
	bucketIdx := BucketIndex(rt.localID, id)
	return rt.buckets[bucketIdx].Get(id)
}

func (rt *RoutingTable) FindClosestK(target NodeID, k int) []*Contact {
	targetBucket := BucketIndex(rt.localID, target)

	var contacts []*Contact
	contacts = append(contacts, rt.buckets[targetBucket].All()...)

	for i := 1; len(contacts) < k && (targetBucket-i >= 0 || targetBucket+i < numBuckets); i++ {
		if targetBucket-i >= 0 {
			contacts = append(contacts, rt.buckets[targetBucket-i].All()...)
		}
		if targetBucket+i < numBuckets {
			contacts = append(contacts, rt.buckets[targetBucket+i].All()...)
		}
	}

	sort.Slice(contacts, func(i, j int) bool {
		return CompareDistance(target, contacts[i].ID(), contacts[j].ID()) < 0
	})

	if len(contacts) > k {
		contacts = contacts[:k]
	}
	return contacts
}

func (rt *RoutingTable) Size() int {
	count := 0
	for _, bucket := range rt.buckets {
		count += bucket.Len()
	}
	return count
}

func (rt *RoutingTable) GetBucketsNeedingRefresh() []int {
	var indices []int
	for i, bucket := range rt.buckets {
		if bucket.Len() > 0 && bucket.NeedsRefresh() {
			indices = append(indices, i)
		}
	}
	return indices
}

func (rt *RoutingTable) GetQuestionableContacts() []*Contact {
	var questionable []*Contact
	for _, bucket := range rt.buckets {
		for _, contact := range bucket.All() {
			if contact.IsQuestionable() {
				questionable = append(questionable, contact)
			}
		}
	}
	return questionable
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	stats := RoutingTableStats{}

	for _, bucket := range rt.buckets {
		contacts := bucket.All()
		if len(contacts) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalContacts += len(contacts)

		for _, c := range contacts {
			switch {
			case c.IsGood():
				stats.GoodContacts++
			case c.IsQuestionable():
				stats.QuestionableContacts++
			case c.IsBad():
				stats.BadContacts++
			}
		}
	}
	return stats
}

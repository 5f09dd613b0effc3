package dht

import (
	"sync"
	"time"
)

// K is the maximum number of contacts held per bucket, widened from the
// mainline DHT's K=8 to the spec's k=20.
const K = 20

// staleAge is how long a bucket's least-recently-seen contact must have
// gone unseen before a full bucket will evict it in favor of a new contact.
// Below this age the bucket stays full and the new contact is rejected,
// giving a currently-responsive contact priority over an untested one.
const staleAge = 5 * time.Minute

type Bucket struct {
	mut         sync.RWMutex
	contacts    []*Contact
	lastChanged time.Time
}

func NewBucket() *Bucket {
	return &Bucket{
		contacts:    make([]*Contact, 0, K),
		lastChanged: time.Now(),
	}
}

func (b *Bucket) Len() int {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts)
}

func (b *Bucket) IsFull() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts) >= K
}

func (b *Bucket) Get(id NodeID) *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for _, c := range b.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Insert adds or refreshes contact. Returns true if the bucket now holds it.
func (b *Bucket) Insert(contact *Contact) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == contact.ID() {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, contact)
			b.lastChanged = time.Now()
			return true
		}
	}

	if len(b.contacts) < K {
		b.contacts = append(b.contacts, contact)
		b.lastChanged = time.Now()
		return true
	}

	// Bucket is full: only evict the least-recently-seen contact if it has
	// gone quiet for longer than staleAge. A full bucket whose LRU member
	// is still fresh rejects the newcomer outright.
	lru := b.contacts[0]
	if time.Since(lru.LastSeen()) < staleAge {
		return false
	}

	b.contacts = append(b.contacts[1:], contact)
	b.lastChanged = time.Now()
	return true
}

func (b *Bucket) Remove(id NodeID) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.lastChanged = time.Now()
			return true
		}
	}
	return false
}

func (b *Bucket) LRU() *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

func (b *Bucket) NeedsRefresh() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return time.Since(b.lastChanged) > 15*time.Minute
}

func (b *Bucket) All() []*Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	result := make([]*Contact, len(b.contacts))
	copy(result, b.contacts)
	return result
}

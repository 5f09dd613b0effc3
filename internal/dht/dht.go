// Package dht implements Grid's trackerless peer-discovery layer: a
// Kademlia-style distributed hash table storing, per content hash, the set
// of peers currently providing it. Widened from the mainline BitTorrent
// DHT's 160-bit SHA-1 keyspace and K=8 buckets to a 256-bit SHA-256
// keyspace with k=20 buckets, and from its ping/find_node/get_peers/
// announce_peer RPCs to Ping/FindNode/GetProviders/Announce, still framed
// with the bencode codec over UDP.
package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/pswp/internal/events"
	"github.com/prxssh/pswp/pkg/retry"
)

var (
	ErrNotStarted = errors.New("dht: not started")
	ErrStopped    = errors.New("dht: stopped")
)

type DHT struct {
	config *Config

	localID   NodeID
	table     *RoutingTable
	transport *Transport
	providers *ProviderStore
	token     *TokenManager
	handler   *QueryHandler

	started bool
	mu      sync.RWMutex
	done    chan struct{}
	wg      sync.WaitGroup
}

type Config struct {
	Logger         *slog.Logger
	LocalID        NodeID
	ListenAddr     string
	BootstrapNodes []string // "ip:port"
	Sink           events.Sink
}

func NewDHT(config *Config) (*DHT, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sink == nil {
		config.Sink = events.Discard{}
	}

	transport, err := NewTransport(config.LocalID, config.ListenAddr, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("dht: create transport: %w", err)
	}

	table := NewRoutingTable(config.LocalID, config.Sink)
	providers := NewProviderStore()
	token := NewTokenManager()

	dht := &DHT{
		config:    config,
		localID:   config.LocalID,
		table:     table,
		transport: transport,
		providers: providers,
		token:     token,
		done:      make(chan struct{}),
	}

	dht.handler = NewQueryHandler(transport, table, providers, token)
	transport.SetQueryHandler(dht.handler.HandleQuery)

	return dht, nil
}

func (d *DHT) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dht: already started")
	}

	d.transport.Start()

	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.bootstrapLoop() }()
	go func() { defer d.wg.Done(); d.refreshLoop() }()
	go func() { defer d.wg.Done(); d.pingLoop() }()

	d.started = true
	return nil
}

func (d *DHT) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.done)
	d.transport.Stop()
	d.wg.Wait()
	d.providers.Close()
	d.token.Close()

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
}

// GetProviders performs an iterative lookup for peers announcing hash.
func (d *DHT) GetProviders(hash NodeID) ([]net.Addr, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	result := NewLookup(d, hash, LookupTypeProviders).Run()
	if result.Err != nil {
		return nil, result.Err
	}
	return result.Peers, nil
}

// Announce tells the k closest nodes to hash that this node provides it.
func (d *DHT) Announce(hash NodeID, port int) error {
	if !d.isStarted() {
		return ErrNotStarted
	}

	result := NewLookup(d, hash, LookupTypeProviders).Run()
	if result.Err != nil {
		return result.Err
	}

	var wg sync.WaitGroup
	for _, node := range result.ClosestNodes {
		if node.Token == "" {
			continue
		}
		wg.Add(1)
		go func(n *LookupNode) {
			defer wg.Done()
			d.announce(n.Contact, hash, port, n.Token)
		}(node)
	}
	wg.Wait()
	return nil
}

func (d *DHT) announce(contact *Contact, hash NodeID, port int, token string) {
	msg := AnnounceQuery(d.transport.generateTransactionID(), d.localID, hash, port, token)
	d.transport.SendQuery(msg, contact.Addr(), QueryTimeout)
}

// Ping sends a ping to addr and inserts the responder into the routing
// table on success.
func (d *DHT) Ping(addr *net.UDPAddr) error {
	if !d.isStarted() {
		return ErrNotStarted
	}

	msg := PingQuery(d.transport.generateTransactionID(), d.localID)
	response, err := d.transport.SendQuery(msg, addr, QueryTimeout)
	if err != nil {
		return err
	}

	nodeID, ok := response.GetNodeID()
	if !ok {
		return ErrInvalidMsg
	}

	contact := NewContact(NewNode(nodeID, addr.IP, addr.Port))
	contact.MarkSeen()
	d.table.Insert(contact)
	return nil
}

// FindNode performs an iterative lookup for nodes close to target.
func (d *DHT) FindNode(target NodeID) ([]*Contact, error) {
	if !d.isStarted() {
		return nil, ErrNotStarted
	}

	result := NewLookup(d, target, LookupTypeNodes).Run()
	if result.Err != nil {
		return nil, result.Err
	}

	contacts := make([]*Contact, len(result.ClosestNodes))
	for i, node := range result.ClosestNodes {
		contacts[i] = node.Contact
	}
	return contacts, nil
}

func (d *DHT) bootstrapLoop() {
	d.bootstrap()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.bootstrap()
		}
	}
}

// bootstrap pings every configured external node, retrying each with
// exponential backoff since a freshly-started bootstrap service (see
// internal/bootstrap) may not be reachable on the first attempt.
func (d *DHT) bootstrap() {
	for _, addrStr := range d.config.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = retry.Do(ctx, func(context.Context) error {
			return d.Ping(addr)
		}, retry.WithExponentialBackoff(3, 500*time.Millisecond, 2*time.Second)...)
		cancel()
		if err != nil {
			d.config.Logger.Debug("bootstrap ping failed", "addr", addrStr, "error", err)
		}
	}

	time.Sleep(2 * time.Second)
	d.FindNode(d.localID)
}

func (d *DHT) refreshLoop() {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *DHT) refresh() {
	for _, bucketIdx := range d.table.GetBucketsNeedingRefresh() {
		d.FindNode(d.randomIDInBucket(bucketIdx))
	}
}

func (d *DHT) pingLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.pingQuestionable()
		}
	}
}

func (d *DHT) pingQuestionable() {
	for _, contact := range d.table.GetQuestionableContacts() {
		msg := PingQuery(d.transport.generateTransactionID(), d.localID)
		response, err := d.transport.SendQuery(msg, contact.Addr(), QueryTimeout)
		if err != nil {
			contact.MarkFailed()
			if contact.IsBad() {
				d.table.Remove(contact.ID())
			}
			continue
		}

		nodeID, ok := response.GetNodeID()
		if !ok || nodeID != contact.ID() {
			d.table.Remove(contact.ID())
			continue
		}
		contact.MarkSeen()
	}
}

// randomIDInBucket generates a node ID within bucketIdx's distance range by
// flipping the one bit that distinguishes that bucket from the local ID.
func (d *DHT) randomIDInBucket(bucketIdx int) NodeID {
	id := d.localID

	bitPos := bucketIdx
	byteIdx := bitPos / 8
	bitIdx := byte(bitPos % 8)
	id[byteIdx] ^= 1 << (7 - bitIdx)

	return id
}

func (d *DHT) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

func (d *DHT) Stats() RoutingTableStats {
	return d.table.GetStats()
}

// ProviderCount returns the total number of provider records this node
// currently stores, across all hashes.
func (d *DHT) ProviderCount() int {
	return d.providers.Count()
}

// MessagesSent and MessagesReceived report cumulative datagram counts from
// the underlying transport, for the stats endpoint.
func (d *DHT) MessagesSent() uint64     { return d.transport.MessagesSent() }
func (d *DHT) MessagesReceived() uint64 { return d.transport.MessagesReceived() }

func (d *DHT) LocalAddr() *net.UDPAddr {
	return d.transport.LocalAddr()
}

func (d *DHT) LocalID() NodeID {
	return d.localID
}

// Package events defines the boundary between Grid's transfer/discovery
// internals and whatever is hosting them (a CLI, a daemon, a future UI).
// The teacher emitted state directly to a desktop shell; Grid has no
// built-in UI, so that boundary collapses to a single Sink interface
// callers can implement however they like (log lines, a channel, a
// websocket push).
package events

import "net/netip"

// Kind identifies the shape of an event's Data field.
type Kind string

const (
	KindPeerConnected    Kind = "peer_connected"
	KindPeerDisconnected Kind = "peer_disconnected"
	KindPieceCompleted   Kind = "piece_completed"
	KindTransferProgress Kind = "transfer_progress"
	KindTransferDone     Kind = "transfer_done"
	KindPeerDiscovered   Kind = "peer_discovered"
	KindError            Kind = "error"
)

// Event is a single notification pushed to a Sink. Data's concrete type is
// determined by Kind; each payload type's doc comment below names the Kind
// it pairs with.
type Event struct {
	Kind Kind
	Data any
}

// PeerConnected pairs with KindPeerConnected / KindPeerDisconnected.
type PeerConnected struct {
	Addr netip.AddrPort
}

// PieceCompleted pairs with KindPieceCompleted.
type PieceCompleted struct {
	Index int
}

// TransferDone pairs with KindTransferDone, emitted once a transfer's
// bitfield fills and every piece is verified.
type TransferDone struct {
	InfoHash [32]byte
}

// TransferProgress pairs with KindTransferProgress, emitted on a fixed
// interval while a transfer is active.
type TransferProgress struct {
	BytesDone    int64
	BytesTotal   int64
	DownloadRate uint64
	UploadRate   uint64
	Peers        int
}

// PeerDiscovered pairs with KindPeerDiscovered, emitted whenever the DHT
// routing table or mDNS browser learns of a node it didn't already know.
type PeerDiscovered struct {
	NodeID string
	Addr   netip.AddrPort
	Source string // "dht" or "mdns"
}

// Sink receives events. Implementations must not block; a slow sink should
// buffer or drop internally rather than stall the caller.
type Sink interface {
	Emit(Event)
}

// Discard is a Sink that drops every event, useful as a default when no
// observer is attached.
type Discard struct{}

func (Discard) Emit(Event) {}

// Func adapts a plain function to the Sink interface.
type Func func(Event)

func (f Func) Emit(e Event) { f(e) }

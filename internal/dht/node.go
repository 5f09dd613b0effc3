package dht

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"net/netip"
	"strconv"
)

// IDSize is the width of a node identifier, widened from the 160-bit
// SHA-1 space BitTorrent's mainline DHT uses to a 256-bit SHA-256 space.
const IDSize = sha256.Size

// NodeID identifies a node (and doubles as a lookup target / content hash)
// in the 256-bit keyspace.
type NodeID [IDSize]byte

func (id NodeID) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 2*IDSize)
	for i, b := range id {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// RandomNodeID generates a cryptographically random node ID, used both for
// a node's own identity and for picking lookup targets within a bucket's
// range during a refresh.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	return id
}

const (
	compactIPv4Size = IDSize + 4 + 2
	compactIPv6Size = IDSize + 16 + 2
)

// Node is a DHT participant's identity and last-known network address.
type Node struct {
	ID   NodeID
	IP   net.IP
	Port int
}

func NewNode(id NodeID, ip net.IP, port int) *Node {
	return &Node{ID: id, IP: ip, Port: port}
}

// CompactNodeInfo encodes n as ID || IPv4 || port, the wire form carried in
// FindNodeResponse/GetProvidersResponse node lists.
func (n *Node) CompactNodeInfo() []byte {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, compactIPv4Size)
	copy(buf[:IDSize], n.ID[:])
	copy(buf[IDSize:IDSize+4], ip4)
	binary.BigEndian.PutUint16(buf[IDSize+4:], uint16(n.Port))
	return buf
}

func DecodeCompactNodeInfo(data []byte) *Node {
	if len(data) != compactIPv4Size {
		return nil
	}

	var id NodeID
	copy(id[:], data[:IDSize])

	ip := net.IPv4(data[IDSize], data[IDSize+1], data[IDSize+2], data[IDSize+3])
	port := binary.BigEndian.Uint16(data[IDSize+4:])

	return &Node{ID: id, IP: ip, Port: int(port)}
}

func DecodeCompactNodeInfoList(data []byte) []*Node {
	if len(data)%compactIPv4Size != 0 {
		return nil
	}

	count := len(data) / compactIPv4Size
	nodes := make([]*Node, 0, count)
	for i := 0; i < count; i++ {
		offset := i * compactIPv4Size
		if node := DecodeCompactNodeInfo(data[offset : offset+compactIPv4Size]); node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func (n *Node) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: n.Port}
}

// addrPort reports n's address as a netip.AddrPort for event payloads;
// returns the zero value if n's IP doesn't parse (unexpected, but cheaper
// to tolerate than to propagate an error through every insert path).
func (n *Node) addrPort() netip.AddrPort {
	addr, ok := netip.AddrFromSlice(n.IP.To16())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(n.Port))
}

func (n *Node) String() string {
	return net.JoinHostPort(n.IP.String(), strconv.Itoa(n.Port))
}

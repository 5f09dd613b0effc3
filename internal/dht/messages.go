package dht

import "net"

type MessageType string

const (
	QueryType    MessageType = "q"
	ResponseType MessageType = "r"
	ErrorType    MessageType = "e"
)

// QueryMethod enumerates the Grid DHT's RPCs, widened from mainline's
// ping/find_node/get_peers/announce_peer quartet to add an explicit Pong
// reply type and rename the content-lookup pair to the spec's
// provider-oriented vocabulary.
type QueryMethod string

const (
	PingMethod          QueryMethod = "ping"
	FindNodeMethod      QueryMethod = "find_node"
	GetProvidersMethod  QueryMethod = "get_providers"
	AnnounceMethod      QueryMethod = "announce"
)

type Message struct {
	T string      // Transaction ID
	Y MessageType // Message type
	V string      // Client version

	Q QueryMethod    // Query method name
	A map[string]any // Query arguments

	R map[string]any // Response values

	E []any // Err [code, message]

	Addr *net.UDPAddr
}

func NewQuery(method QueryMethod, transactionID string) *Message {
	return &Message{T: transactionID, Y: QueryType, Q: method, A: make(map[string]any)}
}

func NewResponse(transactionID string) *Message {
	return &Message{T: transactionID, Y: ResponseType, R: make(map[string]any)}
}

func NewError(transactionID string, code int, message string) *Message {
	return &Message{T: transactionID, Y: ErrorType, E: []any{code, message}}
}

const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// Ping / Pong (Pong is simply a ping response, kept distinct in naming to
// match the spec's explicit Ping/Pong pairing).

func PingQuery(transactionID string, senderID NodeID) *Message {
	msg := NewQuery(PingMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	return msg
}

func PongResponse(transactionID string, senderID NodeID) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func FindNodeQuery(transactionID string, senderID, target NodeID) *Message {
	msg := NewQuery(FindNodeMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["target"] = string(target[:])
	return msg
}

func FindNodeResponse(transactionID string, senderID NodeID, nodes []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["nodes"] = string(nodes)
	return msg
}

func GetProvidersQuery(transactionID string, senderID, hash NodeID) *Message {
	msg := NewQuery(GetProvidersMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["hash"] = string(hash[:])
	return msg
}

func GetProvidersResponse(transactionID string, senderID NodeID, token string, values []string) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	msg.R["values"] = values
	return msg
}

func GetProvidersResponseNodes(transactionID string, senderID NodeID, token string, nodes []byte) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	msg.R["token"] = token
	msg.R["nodes"] = string(nodes)
	return msg
}

func AnnounceQuery(transactionID string, senderID, hash NodeID, port int, token string) *Message {
	msg := NewQuery(AnnounceMethod, transactionID)
	msg.A["id"] = string(senderID[:])
	msg.A["hash"] = string(hash[:])
	msg.A["port"] = port
	msg.A["token"] = token
	return msg
}

func AnnounceResponse(transactionID string, senderID NodeID) *Message {
	msg := NewResponse(transactionID)
	msg.R["id"] = string(senderID[:])
	return msg
}

func (m *Message) GetNodeID() (NodeID, bool) {
	var (
		id    NodeID
		idStr string
		ok    bool
	)

	if m.Y == ResponseType && m.R != nil {
		idStr, ok = m.R["id"].(string)
	} else if m.Y == QueryType && m.A != nil {
		idStr, ok = m.A["id"].(string)
	}

	if !ok || len(idStr) != IDSize {
		return id, false
	}
	copy(id[:], idStr)
	return id, true
}

func (m *Message) GetTarget() (NodeID, bool) {
	var target NodeID
	if m.Y != QueryType || m.A == nil {
		return target, false
	}

	targetStr, ok := m.A["target"].(string)
	if !ok || len(targetStr) != IDSize {
		return target, false
	}
	copy(target[:], targetStr)
	return target, true
}

func (m *Message) GetHash() (NodeID, bool) {
	var hash NodeID
	if m.Y != QueryType || m.A == nil {
		return hash, false
	}

	hashStr, ok := m.A["hash"].(string)
	if !ok || len(hashStr) != IDSize {
		return hash, false
	}
	copy(hash[:], hashStr)
	return hash, true
}

func (m *Message) GetToken() (string, bool) {
	if m.Y == ResponseType && m.R != nil {
		token, ok := m.R["token"].(string)
		return token, ok
	}
	if m.Y == QueryType && m.A != nil {
		token, ok := m.A["token"].(string)
		return token, ok
	}
	return "", false
}

func (m *Message) GetNodes() ([]byte, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}
	nodesStr, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(nodesStr), true
}

func (m *Message) GetValues() ([]string, bool) {
	if m.Y != ResponseType || m.R == nil {
		return nil, false
	}

	valuesRaw, ok := m.R["values"].([]any)
	if !ok {
		return nil, false
	}

	values := make([]string, 0, len(valuesRaw))
	for _, v := range valuesRaw {
		if str, ok := v.(string); ok {
			values = append(values, str)
		}
	}
	return values, len(values) > 0
}

func (m *Message) GetPort() (int, bool) {
	if m.Y != QueryType || m.A == nil {
		return 0, false
	}

	port, ok := m.A["port"].(int)
	if !ok {
		if port64, ok := m.A["port"].(int64); ok {
			return int(port64), true
		}
		return 0, false
	}
	return port, true
}

func (m *Message) IsQuery() bool    { return m.Y == QueryType }
func (m *Message) IsResponse() bool { return m.Y == ResponseType }
func (m *Message) IsError() bool    { return m.Y == ErrorType }

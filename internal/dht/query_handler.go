package dht

import "net"

// QueryHandler answers inbound RPCs: Ping, FindNode, GetProviders, and
// Announce.
type QueryHandler struct {
	transport *Transport
	table     *RoutingTable
	providers *ProviderStore
	token     *TokenManager
}

func NewQueryHandler(transport *Transport, table *RoutingTable, providers *ProviderStore, token *TokenManager) *QueryHandler {
	return &QueryHandler{transport: transport, table: table, providers: providers, token: token}
}

func (qh *QueryHandler) HandleQuery(msg *Message) {
	senderID, ok := msg.GetNodeID()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid node id", msg.Addr)
		return
	}

	contact := NewContact(NewNode(senderID, msg.Addr.IP, msg.Addr.Port))
	qh.table.Insert(contact)

	switch msg.Q {
	case PingMethod:
		qh.handlePing(msg)
	case FindNodeMethod:
		qh.handleFindNode(msg)
	case GetProvidersMethod:
		qh.handleGetProviders(msg)
	case AnnounceMethod:
		qh.handleAnnounce(msg)
	default:
		qh.sendError(msg.T, ErrorMethodUnknown, "unknown method", msg.Addr)
	}
}

func (qh *QueryHandler) handlePing(msg *Message) {
	qh.transport.SendResponse(PongResponse(msg.T, qh.table.ID()), msg.Addr)
}

func (qh *QueryHandler) handleFindNode(msg *Message) {
	target, ok := msg.GetTarget()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid target", msg.Addr)
		return
	}

	nodes := qh.encodeNodes(qh.table.FindClosestK(target, K))
	qh.transport.SendResponse(FindNodeResponse(msg.T, qh.table.ID(), nodes), msg.Addr)
}

func (qh *QueryHandler) handleGetProviders(msg *Message) {
	hash, ok := msg.GetHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid hash", msg.Addr)
		return
	}

	token := qh.token.Generate(msg.Addr.IP)
	providers := qh.providers.Providers(hash)

	if len(providers) > 0 {
		values := make([]string, len(providers))
		for i, p := range providers {
			values[i] = string(p[:])
		}
		qh.transport.SendResponse(GetProvidersResponse(msg.T, qh.table.ID(), token, values), msg.Addr)
		return
	}

	nodes := qh.encodeNodes(qh.table.FindClosestK(hash, K))
	qh.transport.SendResponse(GetProvidersResponseNodes(msg.T, qh.table.ID(), token, nodes), msg.Addr)
}

func (qh *QueryHandler) handleAnnounce(msg *Message) {
	hash, ok := msg.GetHash()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid hash", msg.Addr)
		return
	}

	port, ok := msg.GetPort()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "invalid port", msg.Addr)
		return
	}

	token, ok := msg.GetToken()
	if !ok {
		qh.sendError(msg.T, ErrorProtocol, "missing token", msg.Addr)
		return
	}

	if !qh.token.Validate(msg.Addr.IP, token) {
		qh.sendError(msg.T, ErrorProtocol, "invalid token", msg.Addr)
		return
	}

	qh.providers.Announce(hash, EncodePeerInfo(msg.Addr.IP, uint16(port)))
	qh.transport.SendResponse(AnnounceResponse(msg.T, qh.table.ID()), msg.Addr)
}

func (qh *QueryHandler) encodeNodes(contacts []*Contact) []byte {
	if len(contacts) == 0 {
		return []byte{}
	}

	nodes := make([]byte, 0, len(contacts)*compactIPv4Size)
	for _, contact := range contacts {
		if info := contact.node.CompactNodeInfo(); info != nil {
			nodes = append(nodes, info...)
		}
	}
	return nodes
}

func (qh *QueryHandler) sendError(transactionID string, code int, message string, addr *net.UDPAddr) {
	qh.transport.SendError(transactionID, code, message, addr)
}

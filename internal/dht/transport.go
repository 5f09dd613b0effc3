package dht

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/pswp/internal/bencode"
)

var (
	ErrTimeout       = errors.New("query timeout")
	ErrInvalidMsg    = errors.New("invalid message")
	ErrTransactionID = errors.New("unknown transaction id")
)

// Transport is the UDP datagram layer carrying Message values bencode-
// encoded, grounded on the teacher's KRPC socket but renamed since the
// message set it carries is no longer BitTorrent's KRPC vocabulary.
type Transport struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	localID NodeID

	txMut        sync.RWMutex
	transactions map[string]*transaction

	queryHandler    func(*Message)
	responseHandler func(*Message)

	done chan struct{}
	wg   sync.WaitGroup

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
}

type transaction struct {
	query      *Message
	responseCh chan *Message
	sentTime   time.Time
	timeout    time.Duration
}

func NewTransport(localID NodeID, listenAddr string, logger *slog.Logger) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	return &Transport{
		logger:       logger,
		conn:         conn,
		localID:      localID,
		transactions: make(map[string]*transaction),
		done:         make(chan struct{}),
	}, nil
}

func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *Transport) Start() {
	t.wg.Add(2)
	go func() { defer t.wg.Done(); t.readLoop() }()
	go func() { defer t.wg.Done(); t.timeoutLoop() }()
}

func (t *Transport) Stop() {
	close(t.done)
	t.conn.Close()
	t.wg.Wait()
}

func (t *Transport) SetQueryHandler(handler func(*Message))    { t.queryHandler = handler }
func (t *Transport) SetResponseHandler(handler func(*Message)) { t.responseHandler = handler }

func (t *Transport) SendQuery(msg *Message, addr *net.UDPAddr, timeout time.Duration) (*Message, error) {
	if msg.T == "" {
		msg.T = t.generateTransactionID()
	}

	tx := &transaction{
		query:      msg,
		responseCh: make(chan *Message, 1),
		sentTime:   time.Now(),
		timeout:    timeout,
	}

	t.txMut.Lock()
	t.transactions[msg.T] = tx
	t.txMut.Unlock()

	if err := t.send(msg, addr); err != nil {
		t.removeTransaction(msg.T)
		return nil, err
	}

	select {
	case response, ok := <-tx.responseCh:
		t.removeTransaction(msg.T)
		if !ok {
			return nil, ErrInvalidMsg
		}
		return response, nil
	case <-time.After(timeout):
		t.removeTransaction(msg.T)
		return nil, ErrTimeout
	case <-t.done:
		t.removeTransaction(msg.T)
		return nil, errors.New("transport stopped")
	}
}

func (t *Transport) SendResponse(msg *Message, addr *net.UDPAddr) error {
	return t.send(msg, addr)
}

func (t *Transport) SendError(transactionID string, code int, message string, addr *net.UDPAddr) error {
	return t.send(NewError(transactionID, code, message), addr)
}

func (t *Transport) send(msg *Message, addr *net.UDPAddr) error {
	encoded, err := bencode.Marshal(t.messageToMap(msg))
	if err != nil {
		return err
	}

	_, err = t.conn.WriteToUDP(encoded, addr)
	if err == nil {
		t.messagesSent.Add(1)
	}
	return err
}

// MessagesSent and MessagesReceived report cumulative datagram counts for
// the stats endpoint.
func (t *Transport) MessagesSent() uint64     { return t.messagesSent.Load() }
func (t *Transport) MessagesReceived() uint64 { return t.messagesReceived.Load() }

func (t *Transport) readLoop() {
	buf := make([]byte, 65536)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Error("read udp packet failed", "error", err.Error())
			}
			continue
		}

		data, err := bencode.Unmarshal(buf[:n])
		if err != nil {
			t.logger.Debug("malformed dht datagram", "error", err.Error(), "from", addr)
			continue
		}

		msg := t.mapToMessage(data, addr)
		if msg == nil {
			continue
		}
		t.messagesReceived.Add(1)
		t.handleMessage(msg)
	}
}

func (t *Transport) timeoutLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

func (t *Transport) checkTimeouts() {
	now := time.Now()

	t.txMut.Lock()
	defer t.txMut.Unlock()

	for txID, tx := range t.transactions {
		if now.Sub(tx.sentTime) > tx.timeout {
			close(tx.responseCh)
			delete(t.transactions, txID)
		}
	}
}

func (t *Transport) handleMessage(msg *Message) {
	switch msg.Y {
	case QueryType:
		if t.queryHandler != nil {
			t.queryHandler(msg)
		}
	case ResponseType:
		t.handleResponse(msg)
	case ErrorType:
		t.handleError(msg)
	}
}

func (t *Transport) handleResponse(msg *Message) {
	t.txMut.RLock()
	tx, exists := t.transactions[msg.T]
	t.txMut.RUnlock()

	if !exists {
		t.logger.Debug("response for unknown transaction", "from", msg.Addr)
		if t.responseHandler != nil {
			t.responseHandler(msg)
		}
		return
	}

	select {
	case tx.responseCh <- msg:
	default:
	}
}

func (t *Transport) handleError(msg *Message) {
	t.txMut.RLock()
	tx, exists := t.transactions[msg.T]
	t.txMut.RUnlock()

	if exists {
		close(tx.responseCh)
	}
}

func (t *Transport) removeTransaction(transactionID string) {
	t.txMut.Lock()
	delete(t.transactions, transactionID)
	t.txMut.Unlock()
}

func (t *Transport) generateTransactionID() string {
	b := make([]byte, 2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (t *Transport) messageToMap(msg *Message) map[string]any {
	m := make(map[string]any)
	m["t"] = msg.T
	m["y"] = string(msg.Y)
	if msg.V != "" {
		m["v"] = msg.V
	}

	switch msg.Y {
	case QueryType:
		m["q"] = string(msg.Q)
		m["a"] = msg.A
	case ResponseType:
		m["r"] = msg.R
	case ErrorType:
		m["e"] = msg.E
	}
	return m
}

func (t *Transport) mapToMessage(data any, addr *net.UDPAddr) *Message {
	dict, ok := data.(map[string]any)
	if !ok {
		return nil
	}

	msg := &Message{Addr: addr}

	tID, ok := dict["t"].(string)
	if !ok {
		return nil
	}
	msg.T = tID

	y, ok := dict["y"].(string)
	if !ok {
		return nil
	}
	msg.Y = MessageType(y)

	if v, ok := dict["v"].(string); ok {
		msg.V = v
	}

	switch msg.Y {
	case QueryType:
		if q, ok := dict["q"].(string); ok {
			msg.Q = QueryMethod(q)
		}
		if a, ok := dict["a"].(map[string]any); ok {
			msg.A = a
		}
	case ResponseType:
		if r, ok := dict["r"].(map[string]any); ok {
			msg.R = r
		}
	case ErrorType:
		if e, ok := dict["e"].([]any); ok {
			msg.E = e
		}
	}
	return msg
}

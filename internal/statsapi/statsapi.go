// Package statsapi serves the embedded bootstrap service's HTTP surface:
// GET /stats as JSON, GET /health as a plain-text liveness check, and an
// optional POST /turn-credentials for callers that configured a TURN
// secret. Static routes don't earn a router dependency, so this stays on
// net/http.
package statsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prxssh/pswp/internal/dht"
	"github.com/prxssh/pswp/internal/relay"
	"github.com/prxssh/pswp/internal/turnstub"
)

// DHTStats exposes the counters a running dht.DHT reports to the stats
// endpoint.
type DHTStats struct {
	MessagesReceived    func() uint64
	MessagesSent        func() uint64
	NodesInRoutingTable func() int
	ProvidersStored     func() int
}

type statsResponse struct {
	Status     string         `json:"status"`
	UptimeSecs uint64         `json:"uptime_secs"`
	DHT        dhtStatsJSON   `json:"dht"`
	Relay      relayStatsJSON `json:"relay"`
}

type dhtStatsJSON struct {
	MessagesReceived    uint64 `json:"messages_received"`
	MessagesSent        uint64 `json:"messages_sent"`
	NodesInRoutingTable int    `json:"nodes_in_routing_table"`
	ProvidersStored     int    `json:"providers_stored"`
}

type relayStatsJSON struct {
	TotalConnections uint64 `json:"total_connections"`
	ActiveSessions   int64  `json:"active_sessions"`
	BytesRelayed     uint64 `json:"bytes_relayed"`
}

// Server is the stats HTTP listener.
type Server struct {
	startedAt  time.Time
	dht        *DHTStats
	relay      *relay.Stats
	turnSecret []byte
	http       *http.Server
}

// New builds a stats server. Either dhtStats or relayStats may be nil if
// that subsystem isn't running; the corresponding JSON block reports zeros.
// If turnSecret is non-empty, POST /turn-credentials is also registered
// (per spec §1's optional TURN/ICE collaborator, stubbed by
// internal/turnstub).
func New(addr string, dhtStats *DHTStats, relayStats *relay.Stats, turnSecret string) *Server {
	s := &Server{startedAt: time.Now(), dht: dhtStats, relay: relayStats}
	if turnSecret != "" {
		s.turnSecret = []byte(turnSecret)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.turnSecret != nil {
		mux.HandleFunc("POST /turn-credentials", s.handleTurnCredentials)
	}

	s.http = &http.Server{Addr: addr, Handler: withCORS(mux)}
	return s
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe blocks until the server stops or fails to start.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr reports the bound address; only meaningful once ListenAndServe has
// started accepting (callers typically set http.Server.Addr explicitly and
// already know it).
func (s *Server) Addr() string {
	return s.http.Addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

type turnCredentialsResponse struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ExpiresAt int64  `json:"expires_at"`
}

// handleTurnCredentials issues a long-term TURN credential for the caller's
// peer_id, per internal/turnstub's stub issuer. Only registered when the
// server was built with a non-empty turnSecret.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		http.Error(w, "missing peer_id", http.StatusBadRequest)
		return
	}

	creds, err := turnstub.IssueCredentials(s.turnSecret, peerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(turnCredentialsResponse{
		Username:  creds.Username,
		Password:  creds.Password,
		ExpiresAt: creds.ExpiresAt.Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Status:     "ok",
		UptimeSecs: uint64(time.Since(s.startedAt).Seconds()),
	}

	if s.dht != nil {
		if s.dht.MessagesReceived != nil {
			resp.DHT.MessagesReceived = s.dht.MessagesReceived()
		}
		if s.dht.MessagesSent != nil {
			resp.DHT.MessagesSent = s.dht.MessagesSent()
		}
		if s.dht.NodesInRoutingTable != nil {
			resp.DHT.NodesInRoutingTable = s.dht.NodesInRoutingTable()
		}
		if s.dht.ProvidersStored != nil {
			resp.DHT.ProvidersStored = s.dht.ProvidersStored()
		}
	}

	if s.relay != nil {
		resp.Relay = relayStatsJSON{
			TotalConnections: s.relay.TotalConnections.Load(),
			ActiveSessions:   s.relay.ActiveSessions.Load(),
			BytesRelayed:     s.relay.BytesRelayed.Load(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// NewDHTStats wires a live dht.DHT's counters into the DHTStats snapshot
// functions the stats endpoint polls on every request.
func NewDHTStats(d *dht.DHT) *DHTStats {
	return &DHTStats{
		MessagesReceived:    d.MessagesReceived,
		MessagesSent:        d.MessagesSent,
		NodesInRoutingTable: func() int { return d.Stats().TotalContacts },
		ProvidersStored:     d.ProviderCount,
	}
}

// Command gridd runs Grid's embedded bootstrap service: a DHT node, an
// optional QUIC relay, and a stats HTTP listener, as a long-lived local
// infrastructure node other Grid peers may target.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prxssh/pswp/internal/bootstrap"
	"github.com/prxssh/pswp/internal/config"
	"github.com/prxssh/pswp/internal/events"
	"github.com/prxssh/pswp/pkg/logging"
)

func main() {
	setupLogger()

	dhtPort := flag.Int("dht-port", 6881, "DHT UDP port (0 = OS-assigned)")
	quicPort := flag.Int("quic-port", 6882, "relay QUIC port (0 = OS-assigned)")
	statsPort := flag.Int("stats-port", 6883, "stats HTTP port (0 = OS-assigned)")
	maxRelaySessions := flag.Int("max-relay-sessions", 50, "relay session cap (1..1000)")
	enableRelay := flag.Bool("relay", true, "enable the QUIC relay")
	enableMDNS := flag.Bool("mdns", true, "enable mDNS discovery")
	bootstrapNodes := flag.String("bootstrap-nodes", "", "comma-separated external bootstrap addresses (ip:port)")
	flag.Parse()

	cfg := config.Init(nil)

	var external []string
	if *bootstrapNodes != "" {
		external = strings.Split(*bootstrapNodes, ",")
	}

	svc := bootstrap.New(bootstrap.Config{
		Enabled:                true,
		DHTPort:                *dhtPort,
		QUICPort:               *quicPort,
		StatsPort:              *statsPort,
		ExternalBootstrapNodes: external,
		EnableMDNSDiscovery:    *enableMDNS,
		EnableRelay:            *enableRelay,
		MaxRelaySessions:       *maxRelaySessions,
		NodeID:                 cfg.NodeID.String(),
		Version:                "grid/0.1",
		Logger:                 slog.Default(),
		Sink:                   events.Func(logEvent),
	})

	if err := svc.Start(); err != nil {
		slog.Error("bootstrap failed to start", "error", err)
		os.Exit(1)
	}

	ports := svc.Ports()
	slog.Info("gridd running", "dht_port", ports.DHT, "quic_port", ports.QUIC, "stats_port", ports.Stats)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	svc.Stop()
}

func logEvent(ev events.Event) {
	slog.Debug("event", "kind", ev.Kind, "data", ev.Data)
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}

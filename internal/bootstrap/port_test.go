package bootstrap

import (
	"context"
	"net"
	"testing"
)

func TestResolvePort_ZeroMeansAskOS(t *testing.T) {
	port, err := resolvePort(context.Background(), 0, 5, probeUDP)
	if err != nil {
		t.Fatalf("resolvePort(0) error = %v", err)
	}
	if port != 0 {
		t.Fatalf("resolvePort(0) = %d, want 0 (ask OS)", port)
	}
}

func TestResolvePort_FallsBackWhenConfiguredPortBusy(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		t.Fatalf("reserve a udp port: %v", err)
	}
	defer conn.Close()

	busyPort := conn.LocalAddr().(*net.UDPAddr).Port

	port, err := resolvePort(context.Background(), busyPort, 5, probeUDP)
	if err != nil {
		t.Fatalf("resolvePort() error = %v", err)
	}
	if port == busyPort {
		t.Fatalf("resolvePort() returned the busy port %d", busyPort)
	}
}

func TestProbeTCP_DetectsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve a tcp port: %v", err)
	}
	defer ln.Close()

	busyPort := ln.Addr().(*net.TCPAddr).Port
	if err := probeTCP(busyPort); err == nil {
		t.Fatalf("probeTCP(%d) = nil, want an error for a busy port", busyPort)
	}
}

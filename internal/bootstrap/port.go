package bootstrap

import (
	"context"
	"fmt"
	"net"
)

// resolvePort implements C12 step 1: if configured is 0, ask the OS
// outright; otherwise try configured, then configured+1..+attempts, then
// fall back to an OS-assigned port. probe must bind-and-release the
// candidate; a nil return means the port was free at the time of the
// probe (a race against whoever binds next is possible but acceptable for
// an embedded local service).
func resolvePort(ctx context.Context, configured, attempts int, probe func(port int) error) (int, error) {
	if configured == 0 {
		return 0, nil
	}

	for offset := 0; offset <= attempts; offset++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		port := configured + offset
		if port > 65535 {
			break
		}
		if err := probe(port); err == nil {
			return port, nil
		}
	}

	return 0, nil
}

func probeUDP(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("probe udp %d: %w", port, err)
	}
	return conn.Close()
}

func probeTCP(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("probe tcp %d: %w", port, err)
	}
	return ln.Close()
}

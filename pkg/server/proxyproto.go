package server

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/ops-relay/pkg/protocol"
)

// readProxyHeader consumes the HAProxy PROXY protocol v1 line that must open
// the connection and returns the announced client address. The address is
// invalid for "PROXY UNKNOWN", in which case the socket peer address applies.
func readProxyHeader(conn net.Conn, lr *protocol.LineReader, timeout time.Duration) (netip.AddrPort, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	line, err := lr.ReadLine()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read PROXY header: %w", err)
	}
	src, err := protocol.ParseProxyLine(string(line))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse PROXY header %q: %w", truncate(line, 64), err)
	}
	return src, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

package protocol

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"
)

// ErrBadProxyHeader is returned for a malformed PROXY protocol v1 line.
var ErrBadProxyHeader = errors.New("malformed PROXY protocol header")

// ParseProxyLine parses a HAProxy PROXY protocol v1 header line, e.g.
// "PROXY TCP4 1.1.1.1 2.2.2.2 123 456". It returns the announced source
// address. For "PROXY UNKNOWN" the returned address is invalid and the caller
// keeps the socket's own peer address.
func ParseProxyLine(line string) (netip.AddrPort, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "PROXY ") {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	parts := strings.Fields(line)
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return netip.AddrPort{}, nil
	}
	if len(parts) != 6 {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	if parts[1] != "TCP4" && parts[1] != "TCP6" {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	src, err := netip.ParseAddr(parts[2])
	if err != nil {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	if (parts[1] == "TCP4") != src.Unmap().Is4() {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	if _, err := netip.ParseAddr(parts[3]); err != nil {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	port, err := strconv.ParseUint(parts[4], 10, 16)
	if err != nil {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	if _, err := strconv.ParseUint(parts[5], 10, 16); err != nil {
		return netip.AddrPort{}, ErrBadProxyHeader
	}
	return netip.AddrPortFrom(src.Unmap(), uint16(port)), nil
}

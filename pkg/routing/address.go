package routing

import (
	"errors"
	"net"
	"net/netip"
	"strings"
)

// ErrInvalidDestination is returned when a destination is neither an IP nor an IP:port.
var ErrInvalidDestination = errors.New("invalid destination address")

// Destination is a parsed routing target.
// Key is set only when the destination carried a port and is therefore a full registry key.
type Destination struct {
	Raw  string
	Addr netip.Addr
	Key  string
}

// HasPort reports whether the destination names one specific connection.
func (d Destination) HasPort() bool {
	return d.Key != ""
}

// ParseDestination accepts a bare IP ("10.0.0.9", "::1") or an IP:port
// ("10.0.0.9:51000", "[::1]:51000"). IPv4-mapped IPv6 addresses are unmapped so
// that they compare equal to their IPv4 form.
func ParseDestination(s string) (Destination, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return Destination{}, ErrInvalidDestination
	}

	if addr, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return Destination{Raw: raw, Addr: addr.Unmap().WithZone("")}, nil
	}

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Destination{}, ErrInvalidDestination
	}
	addr := ap.Addr().Unmap().WithZone("")
	return Destination{
		Raw:  raw,
		Addr: addr,
		Key:  netip.AddrPortFrom(addr, ap.Port()).String(),
	}, nil
}

// KeyFromAddr returns the canonical registry key for an observed socket address.
func KeyFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		ap := tcpAddr.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
	}
	return NormalizeKey(addr.String())
}

// NormalizeKey canonicalizes an "ip:port" string; unparseable input is returned unchanged.
func NormalizeKey(key string) string {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(key))
	if err != nil {
		return key
	}
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port()).String()
}

// KeyIP returns the IP half of a registry key.
func KeyIP(key string) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(key)
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap().WithZone(""), true
}

// HostOf returns the IP part of a registry key as text, used as the envelope source.
func HostOf(key string) string {
	if ip, ok := KeyIP(key); ok {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(key)
	if err != nil {
		return key
	}
	return host
}

// IsValidIP reports whether s is a literal IPv4 or IPv6 address.
func IsValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

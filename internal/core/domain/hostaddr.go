package domain

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NoPort marks a HostAndPort without a port (e.g. a bind host only).
const NoPort = -1

// HostAndPort is an immutable host/port pair. Compare values with Equal; the
// zero value is not a valid address.
type HostAndPort struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewHostAndPort returns a normalized, validated address.
func NewHostAndPort(host string, port int) (HostAndPort, error) {
	hp := HostAndPort{Host: normalizeHost(host), Port: port}
	if err := hp.Validate(); err != nil {
		return HostAndPort{}, err
	}
	return hp, nil
}

// ParseHostAndPort parses "host:port", "[v6]:port" or, when requirePort is
// false, a bare host.
func ParseHostAndPort(s string, requirePort bool) (HostAndPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostAndPort{}, ErrInvalidArgument.WithDetails("empty address")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if requirePort {
			return HostAndPort{}, ErrInvalidArgument.WithDetailsf("address %q has no port", s)
		}
		return NewHostAndPort(s, NoPort)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return HostAndPort{}, ErrInvalidArgument.WithDetailsf("invalid port in %q", s)
	}
	return NewHostAndPort(host, port)
}

// Validate checks the host is non-empty and the port is in range.
func (h HostAndPort) Validate() error {
	if h.Host == "" {
		return ErrInvalidArgument.WithDetails("host must not be empty")
	}
	if h.Port != NoPort && (h.Port < 0 || h.Port > 65535) {
		return ErrInvalidArgument.WithDetailsf("port %d out of range", h.Port)
	}
	return nil
}

// HasPort reports whether the address carries a port.
func (h HostAndPort) HasPort() bool {
	return h.Port != NoPort
}

// Equal compares normalized host and port.
func (h HostAndPort) Equal(o HostAndPort) bool {
	return normalizeHost(h.Host) == normalizeHost(o.Host) && h.Port == o.Port
}

// String renders the address in a form accepted by net.Dial.
func (h HostAndPort) String() string {
	if !h.HasPort() {
		return h.Host
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// HostAndPortFromAddr converts a net.Addr (TCP or otherwise "host:port") into
// a HostAndPort. Unparsable addresses keep the raw string as host.
func HostAndPortFromAddr(addr net.Addr) HostAndPort {
	if addr == nil {
		return HostAndPort{Host: "unknown", Port: NoPort}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return HostAndPort{Host: normalizeHost(tcp.IP.String()), Port: tcp.Port}
	}
	hp, err := ParseHostAndPort(addr.String(), true)
	if err != nil {
		return HostAndPort{Host: addr.String(), Port: NoPort}
	}
	return hp
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().String()
	}
	return strings.ToLower(host)
}

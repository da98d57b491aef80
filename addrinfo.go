package imscore

import (
	"bytes"
	"fmt"
	"net"
)

// TransportProto identifies the transport of a resolved target.
type TransportProto int8

const (
	TransportTCP TransportProto = iota
	TransportUDP
	TransportSCTP
)

func (t TransportProto) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportSCTP:
		return "sctp"
	default:
		return "tcp"
	}
}

// AddrInfo is a resolved target: an address, port and transport, plus the
// SRV-derived priority and weight routing hints.
type AddrInfo struct {
	Address   net.IP
	Port      int
	Transport TransportProto

	Priority int
	Weight   int
}

// Equal compares targets ignoring the priority and weight routing hints.
func (a AddrInfo) Equal(b AddrInfo) bool {
	return a.Address.Equal(b.Address) && a.Port == b.Port && a.Transport == b.Transport
}

// Less orders targets lexicographically on (address, port, transport).
func (a AddrInfo) Less(b AddrInfo) bool {
	if c := bytes.Compare(a.Address.To16(), b.Address.To16()); c != 0 {
		return c < 0
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	return a.Transport < b.Transport
}

// HostString renders the bare address: dotted quad for IPv4, bracketed for
// IPv6, suitable for interpolation into URLs.
func (a AddrInfo) HostString() string {
	if a.Address.To4() != nil {
		return a.Address.String()
	}
	return "[" + a.Address.String() + "]"
}

// URLAuthority renders address and port as a URL authority.
func (a AddrInfo) URLAuthority() string {
	return fmt.Sprintf("%s:%d", a.HostString(), a.Port)
}

func (a AddrInfo) String() string {
	return fmt.Sprintf("%s:%d;transport=%s", a.HostString(), a.Port, a.Transport)
}

// key returns a map key identifying the target, ignoring routing hints.
func (a AddrInfo) key() string {
	return fmt.Sprintf("%s/%d/%d", a.Address.String(), a.Port, a.Transport)
}

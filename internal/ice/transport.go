package ice

import (
	"fmt"
	"net"
	"strings"
)

// Transport protocols an ICE candidate can be reached over. Only UDP is in
// scope (spec.md §3: "transport ∈ {UDP}").
const UDP = "udp"

// TransportAddress is a comparable (protocol, ip, port) tuple, used both to
// key candidate pairs and to round-trip through SDP candidate lines.
type TransportAddress struct {
	protocol  string
	ip        string
	port      int
	family    int // 4 or 6
	linkLocal bool
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	var ip net.IP
	var port int
	protocol := UDP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port, protocol = a.IP, a.Port, "tcp"
	default:
		panic("ice: unsupported net.Addr type: " + addr.String())
	}

	family := 6
	if ip.To4() != nil {
		family = 4
	}
	return TransportAddress{
		protocol:  protocol,
		ip:        ip.String(),
		port:      port,
		family:    family,
		linkLocal: ip.IsLinkLocalUnicast(),
	}
}

func (ta *TransportAddress) netAddr() net.Addr {
	hostport := fmt.Sprintf("%s:%d", ta.ip, ta.port)
	switch ta.protocol {
	case "tcp":
		addr, _ := net.ResolveTCPAddr("tcp", hostport)
		return addr
	default:
		addr, _ := net.ResolveUDPAddr("udp", hostport)
		return addr
	}
}

func (ta *TransportAddress) normalize() {
	ta.protocol = strings.ToLower(ta.protocol)
}

func (ta TransportAddress) String() string {
	return fmt.Sprintf("%s/%s:%d", ta.protocol, ta.ip, ta.port)
}

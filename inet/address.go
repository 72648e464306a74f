package inet

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// InetAddress is an IPv4 or IPv6 endpoint in the form the socket syscalls take.
type InetAddress struct {
	sa unix.Sockaddr
}

// NewInetAddress builds an address from a numeric ip and a port. An empty ip
// means the IPv4 wildcard.
func NewInetAddress(ip string, port int) (InetAddress, error) {
	if ip == "" {
		return FromSockaddr(&unix.SockaddrInet4{Port: port}), nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return InetAddress{}, fmt.Errorf("inet: invalid ip %q", ip)
	}
	return fromIP(parsed, port, ""), nil
}

// Loopback returns 127.0.0.1:port.
func Loopback(port int) InetAddress {
	return FromSockaddr(&unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}})
}

// Resolve parses "host:port" where host is a hostname or a numeric ip.
func Resolve(hostport string) (InetAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return InetAddress{}, err
	}
	if addr.IP == nil {
		return FromSockaddr(&unix.SockaddrInet4{Port: addr.Port}), nil
	}
	return fromIP(addr.IP, addr.Port, addr.Zone), nil
}

// FromSockaddr wraps a sockaddr returned by accept, getsockname or getpeername.
func FromSockaddr(sa unix.Sockaddr) InetAddress {
	return InetAddress{sa: sa}
}

func fromIP(ip net.IP, port int, zone string) InetAddress {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return InetAddress{sa: sa}
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	if zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return InetAddress{sa: sa}
}

func (a InetAddress) Sockaddr() unix.Sockaddr {
	return a.sa
}

// Family is unix.AF_INET or unix.AF_INET6; AF_INET for the zero value.
func (a InetAddress) Family() int {
	if _, ok := a.sa.(*unix.SockaddrInet6); ok {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func (a InetAddress) IP() net.IP {
	switch sa := a.sa.(type) {
	case *unix.SockaddrInet4:
		return net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
	case *unix.SockaddrInet6:
		return net.IP(append([]byte(nil), sa.Addr[:]...))
	}
	return nil
}

func (a InetAddress) Port() int {
	switch sa := a.sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

// ToIP renders the ip alone.
func (a InetAddress) ToIP() string {
	ip := a.IP()
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ToIPPort renders "ip:port", or "[ip]:port" for IPv6.
func (a InetAddress) ToIPPort() string {
	return net.JoinHostPort(a.ToIP(), strconv.Itoa(a.Port()))
}

func (a InetAddress) String() string {
	return a.ToIPPort()
}

// Equal reports whether both addresses name the same ip and port.
func (a InetAddress) Equal(b InetAddress) bool {
	return a.Port() == b.Port() && a.IP().Equal(b.IP())
}

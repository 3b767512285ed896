package caster

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// Socket is a UDP socket bound to a multicast destination.
type Socket struct {
	Conn  net.PacketConn
	Group *net.UDPAddr
}

// Dial resolves the "host:port" multicast group and opens a socket to send
// to it. The multicast TTL is fixed to 1 so datagrams never leave the LAN.
func Dial(group string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, addr.IP)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	return &Socket{Conn: conn, Group: addr}, nil
}

func (s *Socket) Close() error {
	return s.Conn.Close()
}

package sink

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// openRawConns opens the raw IP sockets used to inject synthesized TCP
// RST segments (SPEC_FULL.md §4.8). Both sinks share this: the queue
// sink injects resets alongside verdicting; the tap sink can only ever
// inject resets, never drop, since it observes a copy of the wire.
func openRawConns() (*ipv4.RawConn, *ipv6.PacketConn, error) {
	v4pc, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, nil, err
	}
	rawV4, err := ipv4.NewRawConn(v4pc)
	if err != nil {
		v4pc.Close()
		return nil, nil, err
	}

	v6pc, err := net.ListenPacket("ip6:tcp", "::")
	if err != nil {
		// IPv6 raw sockets are best-effort: a host with IPv6 disabled can
		// still enforce IPv4-only, so this is not fatal.
		return rawV4, nil, nil
	}
	rawV6 := ipv6.NewPacketConn(v6pc)

	return rawV4, rawV6, nil
}

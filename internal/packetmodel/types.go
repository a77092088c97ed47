// Package packetmodel decodes raw frames into the structured packet view
// censor programs and the policy engine operate on (SPEC_FULL.md §3, §4.1).
package packetmodel

import (
	"net"
	"net/netip"
	"time"
)

// Direction is the flow-relative direction of a packet.
type Direction int

const (
	DirUnknown    Direction = 0
	DirClientToWAN Direction = 1
	DirWANToClient Direction = -1
)

// TransportKind identifies which transport-layer view is populated.
type TransportKind int

const (
	TransportNone TransportKind = iota
	TransportTCP
	TransportUDP
	TransportICMP
)

// Ethernet is the decoded link-layer header.
type Ethernet struct {
	Src, Dst  net.HardwareAddr
	EtherType uint16
}

// ARP is the decoded ARP packet, when EtherType is ARP.
type ARP struct {
	Operation           uint16
	SenderMAC, TargetMAC net.HardwareAddr
	SenderIP, TargetIP   netip.Addr
}

// IP is the decoded network-layer header. Exactly one of the V4/V6 extras
// groups is meaningful, selected by Version.
type IP struct {
	Version    uint8
	HeaderLen  int
	TotalLen   int
	HopLimit   uint8 // IPv4 TTL or IPv6 Hop Limit; see SPEC_FULL.md §3
	Src, Dst   netip.Addr
	NextHeader uint8 // protocol number (IPv4) / next header (IPv6)

	// IPv4 extras
	DSCP, ECN    uint8
	Ident        uint16
	DF, MF       bool
	FragOffset   uint16
	Checksum     uint16

	// IPv6 extras
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   int
}

// TTL returns the IPv4 time-to-live. It is an alias for HopLimit, kept
// distinct so scripts can read either `ip.ttl` or `ip.hop_limit` per the
// open question recorded in SPEC_FULL.md §9.
func (ip *IP) TTL() uint8 { return ip.HopLimit }

// TCPFlags is the set of TCP control bits.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG, ECE, CWR, NS bool
}

// TCP is the decoded TCP header.
type TCP struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
	HeaderLen        int
	PayloadLen       int
	Urgent           uint16
	Window           uint16
}

// UDP is the decoded UDP header.
type UDP struct {
	SrcPort, DstPort uint16
	Length           uint16
	Checksum         uint16
}

// ICMP is the decoded ICMP (v4 or v6) header.
type ICMP struct {
	Type, Code uint8
}

// Payload is the transport payload plus statistics derived from it once,
// at parse time (SPEC_FULL.md §4.1).
type Payload struct {
	Data        []byte
	Len         int
	Entropy     float64 // Shannon entropy, bits/byte
	AvgPopcount float64 // mean Hamming weight per byte, in [0,8]
}

// Packet is the immutable, per-packet view presented to the policy engine
// and censor programs. Only the layers that were actually decoded are
// non-nil; a field being nil is a sentinel for "not present in this
// packet", never a parse failure by itself.
type Packet struct {
	Timestamp time.Time
	Direction Direction

	// NumPackets is the owning flow's running packet count, set by the
	// pipeline just before a script/CensorLang invocation so `env.num_packets`
	// (SPEC_FULL.md §4.6) and `packet.num_packets` read a consistent value.
	NumPackets uint64

	Ethernet Ethernet
	ARP      *ARP
	IP       *IP
	Transport TransportKind
	TCP      *TCP
	UDP      *UDP
	ICMP     *ICMP
	Payload  Payload

	// UnknownLayer records where decoding stopped, if it did, as a short
	// human-readable tag (e.g. "ethertype:0x8100", "ip-next-header:132").
	// Empty when the packet decoded cleanly to its innermost layer.
	UnknownLayer string

	// Raw is the original frame bytes this Packet was decoded from.
	Raw []byte
}

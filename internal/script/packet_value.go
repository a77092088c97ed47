package script

import (
	"fmt"

	"go.starlark.net/starlark"

	"censorlab.dev/censorlab/internal/packetmodel"
)

// PacketValue is the read-only `packet` object bridged into a flow's
// Starlark thread. It exposes the names in packetAttrs; the ip, tcp, udp
// and icmp sub-objects carry only the header fields in ipAttrs, tcpAttrs,
// udpAttrs and icmpAttrs (no ECE/CWR/NS flags, TCP header length or
// urgent pointer, UDP checksum, or IP fields beyond those listed), and the
// Ethernet and ARP layers are not exposed.
type PacketValue struct {
	pkt *packetmodel.Packet
}

var _ starlark.Value = (*PacketValue)(nil)
var _ starlark.HasAttrs = (*PacketValue)(nil)

// NewPacketValue wraps pkt for exposure to a flow's program.
func NewPacketValue(pkt *packetmodel.Packet) *PacketValue {
	return &PacketValue{pkt: pkt}
}

func (p *PacketValue) String() string        { return "<packet>" }
func (p *PacketValue) Type() string          { return "packet" }
func (p *PacketValue) Freeze()               {}
func (p *PacketValue) Truth() starlark.Bool  { return starlark.True }
func (p *PacketValue) Hash() (uint32, error) { return 0, fmt.Errorf("packet is not hashable") }

var packetAttrs = []string{
	"timestamp", "direction", "ip", "tcp", "udp", "icmp",
	"payload", "payload_len", "payload_entropy", "payload_avg_popcount",
	"num_packets", "unknown_layer",
}

func (p *PacketValue) AttrNames() []string { return packetAttrs }

func (p *PacketValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "timestamp":
		return starlark.Float(float64(p.pkt.Timestamp.UnixNano()) / 1e9), nil
	case "direction":
		return starlark.MakeInt(int(p.pkt.Direction)), nil
	case "ip":
		if p.pkt.IP == nil {
			return starlark.None, nil
		}
		return &ipValue{ip: p.pkt.IP}, nil
	case "tcp":
		if p.pkt.TCP == nil {
			return starlark.None, nil
		}
		return &tcpValue{tcp: p.pkt.TCP}, nil
	case "udp":
		if p.pkt.UDP == nil {
			return starlark.None, nil
		}
		return &udpValue{udp: p.pkt.UDP}, nil
	case "icmp":
		if p.pkt.ICMP == nil {
			return starlark.None, nil
		}
		return &icmpValue{icmp: p.pkt.ICMP}, nil
	case "payload":
		return starlark.Bytes(p.pkt.Payload.Data), nil
	case "payload_len":
		return starlark.MakeInt(p.pkt.Payload.Len), nil
	case "payload_entropy":
		return starlark.Float(p.pkt.Payload.Entropy), nil
	case "payload_avg_popcount":
		return starlark.Float(p.pkt.Payload.AvgPopcount), nil
	case "num_packets":
		return starlark.MakeInt64(int64(p.pkt.NumPackets)), nil
	case "unknown_layer":
		return starlark.String(p.pkt.UnknownLayer), nil
	default:
		return nil, nil // no such attribute; starlark treats nil,nil as absent
	}
}

type ipValue struct{ ip *packetmodel.IP }

var _ starlark.HasAttrs = (*ipValue)(nil)

func (v *ipValue) String() string        { return "<ip>" }
func (v *ipValue) Type() string          { return "ip" }
func (v *ipValue) Freeze()               {}
func (v *ipValue) Truth() starlark.Bool  { return starlark.True }
func (v *ipValue) Hash() (uint32, error) { return 0, fmt.Errorf("ip is not hashable") }

var ipAttrs = []string{"version", "src", "dst", "ttl", "hop_limit", "next_header"}

func (v *ipValue) AttrNames() []string { return ipAttrs }

func (v *ipValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "version":
		return starlark.MakeInt(int(v.ip.Version)), nil
	case "src":
		return starlark.String(v.ip.Src.String()), nil
	case "dst":
		return starlark.String(v.ip.Dst.String()), nil
	case "ttl", "hop_limit":
		// Both names alias the same field; see SPEC_FULL.md §9.
		return starlark.MakeInt(int(v.ip.HopLimit)), nil
	case "next_header":
		return starlark.MakeInt(int(v.ip.NextHeader)), nil
	default:
		return nil, nil
	}
}

type tcpValue struct{ tcp *packetmodel.TCP }

var _ starlark.HasAttrs = (*tcpValue)(nil)

func (v *tcpValue) String() string        { return "<tcp>" }
func (v *tcpValue) Type() string          { return "tcp" }
func (v *tcpValue) Freeze()               {}
func (v *tcpValue) Truth() starlark.Bool  { return starlark.True }
func (v *tcpValue) Hash() (uint32, error) { return 0, fmt.Errorf("tcp is not hashable") }

var tcpAttrs = []string{
	"src_port", "dst_port", "seq", "ack", "window",
	"flag_fin", "flag_syn", "flag_rst", "flag_psh", "flag_ack", "flag_urg",
}

func (v *tcpValue) AttrNames() []string { return tcpAttrs }

func (v *tcpValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "src_port":
		return starlark.MakeInt(int(v.tcp.SrcPort)), nil
	case "dst_port":
		return starlark.MakeInt(int(v.tcp.DstPort)), nil
	case "seq":
		return starlark.MakeInt64(int64(v.tcp.Seq)), nil
	case "ack":
		return starlark.MakeInt64(int64(v.tcp.Ack)), nil
	case "window":
		return starlark.MakeInt(int(v.tcp.Window)), nil
	case "flag_fin":
		return starlark.Bool(v.tcp.Flags.FIN), nil
	case "flag_syn":
		return starlark.Bool(v.tcp.Flags.SYN), nil
	case "flag_rst":
		return starlark.Bool(v.tcp.Flags.RST), nil
	case "flag_psh":
		return starlark.Bool(v.tcp.Flags.PSH), nil
	case "flag_ack":
		return starlark.Bool(v.tcp.Flags.ACK), nil
	case "flag_urg":
		return starlark.Bool(v.tcp.Flags.URG), nil
	default:
		return nil, nil
	}
}

type udpValue struct{ udp *packetmodel.UDP }

var _ starlark.HasAttrs = (*udpValue)(nil)

func (v *udpValue) String() string        { return "<udp>" }
func (v *udpValue) Type() string          { return "udp" }
func (v *udpValue) Freeze()               {}
func (v *udpValue) Truth() starlark.Bool  { return starlark.True }
func (v *udpValue) Hash() (uint32, error) { return 0, fmt.Errorf("udp is not hashable") }

var udpAttrs = []string{"src_port", "dst_port", "length"}

func (v *udpValue) AttrNames() []string { return udpAttrs }

func (v *udpValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "src_port":
		return starlark.MakeInt(int(v.udp.SrcPort)), nil
	case "dst_port":
		return starlark.MakeInt(int(v.udp.DstPort)), nil
	case "length":
		return starlark.MakeInt(int(v.udp.Length)), nil
	default:
		return nil, nil
	}
}

type icmpValue struct{ icmp *packetmodel.ICMP }

var _ starlark.HasAttrs = (*icmpValue)(nil)

func (v *icmpValue) String() string        { return "<icmp>" }
func (v *icmpValue) Type() string          { return "icmp" }
func (v *icmpValue) Freeze()               {}
func (v *icmpValue) Truth() starlark.Bool  { return starlark.True }
func (v *icmpValue) Hash() (uint32, error) { return 0, fmt.Errorf("icmp is not hashable") }

var icmpAttrs = []string{"type", "code"}

func (v *icmpValue) AttrNames() []string { return icmpAttrs }

func (v *icmpValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "type":
		return starlark.MakeInt(int(v.icmp.Type)), nil
	case "code":
		return starlark.MakeInt(int(v.icmp.Code)), nil
	default:
		return nil, nil
	}
}

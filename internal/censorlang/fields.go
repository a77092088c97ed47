package censorlang

import (
	"censorlab.dev/censorlab/internal/packetmodel"
)

// fieldKind maps each recognized field reference (SPEC_FULL.md §4.6:
// "one of the §3 attributes") to the register bank its value is typed as.
var fieldKind = map[string]RegKind{
	"tcp.flag.fin": RegB,
	"tcp.flag.syn": RegB,
	"tcp.flag.rst": RegB,
	"tcp.flag.psh": RegB,
	"tcp.flag.ack": RegB,
	"tcp.flag.urg": RegB,

	"tcp.src_port": RegI,
	"tcp.dst_port": RegI,
	"tcp.seq":      RegI,
	"tcp.ack":      RegI,
	"tcp.window":   RegI,

	"udp.src_port": RegI,
	"udp.dst_port": RegI,
	"udp.length":   RegI,

	"ip.ttl":         RegI,
	"ip.hop_limit":   RegI,
	"ip.next_header": RegI,
	"ip.version":     RegI,

	"icmp.type": RegI,
	"icmp.code": RegI,

	"transport.payload.entropy":      RegF,
	"transport.payload.avg_popcount": RegF,
	"transport.payload.len":          RegI,

	"env.num_packets": RegI,
	"env.direction":   RegI,
	"timestamp":       RegF,
}

// FieldKind reports the register bank a field reference resolves to, and
// whether the name is recognized at all.
func FieldKind(name string) (RegKind, bool) {
	k, ok := fieldKind[name]
	return k, ok
}

// resolveField reads a field's current value out of pkt, typed per
// fieldKind. Missing layers resolve to the bank's zero value, matching
// §3's "missing layers surface as a sentinel" rule applied to CensorLang's
// typed registers.
func resolveField(name string, pkt *packetmodel.Packet) (f float64, i int64, b bool) {
	switch name {
	case "tcp.flag.fin":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.FIN
	case "tcp.flag.syn":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.SYN
	case "tcp.flag.rst":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.RST
	case "tcp.flag.psh":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.PSH
	case "tcp.flag.ack":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.ACK
	case "tcp.flag.urg":
		return 0, 0, pkt.TCP != nil && pkt.TCP.Flags.URG
	case "tcp.src_port":
		if pkt.TCP != nil {
			return 0, int64(pkt.TCP.SrcPort), false
		}
	case "tcp.dst_port":
		if pkt.TCP != nil {
			return 0, int64(pkt.TCP.DstPort), false
		}
	case "tcp.seq":
		if pkt.TCP != nil {
			return 0, int64(pkt.TCP.Seq), false
		}
	case "tcp.ack":
		if pkt.TCP != nil {
			return 0, int64(pkt.TCP.Ack), false
		}
	case "tcp.window":
		if pkt.TCP != nil {
			return 0, int64(pkt.TCP.Window), false
		}
	case "udp.src_port":
		if pkt.UDP != nil {
			return 0, int64(pkt.UDP.SrcPort), false
		}
	case "udp.dst_port":
		if pkt.UDP != nil {
			return 0, int64(pkt.UDP.DstPort), false
		}
	case "udp.length":
		if pkt.UDP != nil {
			return 0, int64(pkt.UDP.Length), false
		}
	case "ip.ttl", "ip.hop_limit":
		if pkt.IP != nil {
			return 0, int64(pkt.IP.HopLimit), false
		}
	case "ip.next_header":
		if pkt.IP != nil {
			return 0, int64(pkt.IP.NextHeader), false
		}
	case "ip.version":
		if pkt.IP != nil {
			return 0, int64(pkt.IP.Version), false
		}
	case "icmp.type":
		if pkt.ICMP != nil {
			return 0, int64(pkt.ICMP.Type), false
		}
	case "icmp.code":
		if pkt.ICMP != nil {
			return 0, int64(pkt.ICMP.Code), false
		}
	case "transport.payload.entropy":
		return pkt.Payload.Entropy, 0, false
	case "transport.payload.avg_popcount":
		return pkt.Payload.AvgPopcount, 0, false
	case "transport.payload.len":
		return 0, int64(pkt.Payload.Len), false
	case "env.num_packets":
		return 0, int64(pkt.NumPackets), false
	case "env.direction":
		return 0, int64(pkt.Direction), false
	case "timestamp":
		return float64(pkt.Timestamp.UnixNano()) / 1e9, 0, false
	}
	return 0, 0, false
}

package packetmodel

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86DD

	ipProtoICMP   = 1
	ipProtoTCP    = 6
	ipProtoUDP    = 17
	ipProtoICMPv6 = 58

	ipv6HopByHop = 0
	ipv6Fragment = 44
)

// Parse decodes an Ethernet frame into a Packet. It never fails: layers it
// cannot decode are simply left nil, with UnknownLayer recording where
// decoding stopped (SPEC_FULL.md §4.1).
func Parse(frame []byte, ts time.Time) Packet {
	pkt := Packet{Timestamp: ts, Raw: frame}

	if len(frame) < 14 {
		pkt.UnknownLayer = "ethernet:short-frame"
		return pkt
	}

	pkt.Ethernet = Ethernet{
		Dst:       net.HardwareAddr(frame[0:6]),
		Src:       net.HardwareAddr(frame[6:12]),
		EtherType: binary.BigEndian.Uint16(frame[12:14]),
	}

	rest := frame[14:]
	switch pkt.Ethernet.EtherType {
	case etherTypeARP:
		parseARP(rest, &pkt)
	case etherTypeIPv4:
		parseIPv4(rest, &pkt)
	case etherTypeIPv6:
		parseIPv6(rest, &pkt)
	default:
		pkt.UnknownLayer = fmt.Sprintf("ethertype:0x%04x", pkt.Ethernet.EtherType)
	}

	return pkt
}

func parseARP(b []byte, pkt *Packet) {
	if len(b) < 28 {
		pkt.UnknownLayer = "arp:short"
		return
	}
	senderIP, ok1 := netip.AddrFromSlice(b[14:18])
	targetIP, ok2 := netip.AddrFromSlice(b[24:28])
	if !ok1 || !ok2 {
		pkt.UnknownLayer = "arp:bad-address"
		return
	}
	pkt.ARP = &ARP{
		Operation: binary.BigEndian.Uint16(b[6:8]),
		SenderMAC: net.HardwareAddr(b[8:14]),
		SenderIP:  senderIP,
		TargetMAC: net.HardwareAddr(b[18:24]),
		TargetIP:  targetIP,
	}
}

func parseIPv4(b []byte, pkt *Packet) {
	if len(b) < 20 {
		pkt.UnknownLayer = "ip:short"
		return
	}

	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl {
		pkt.UnknownLayer = "ip:bad-ihl"
		return
	}

	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	flagsFrag := binary.BigEndian.Uint16(b[6:8])

	src, ok1 := netip.AddrFromSlice(b[12:16])
	dst, ok2 := netip.AddrFromSlice(b[16:20])
	if !ok1 || !ok2 {
		pkt.UnknownLayer = "ip:bad-address"
		return
	}

	ip := &IP{
		Version:    4,
		HeaderLen:  ihl,
		TotalLen:   totalLen,
		HopLimit:   b[8],
		NextHeader: b[9],
		Checksum:   binary.BigEndian.Uint16(b[10:12]),
		Src:        src,
		Dst:        dst,
		DSCP:       b[1] >> 2,
		ECN:        b[1] & 0x03,
		Ident:      binary.BigEndian.Uint16(b[4:6]),
		DF:         flagsFrag&0x4000 != 0,
		MF:         flagsFrag&0x2000 != 0,
		FragOffset: flagsFrag & 0x1fff,
	}
	pkt.IP = ip

	payload := b[ihl:]
	if totalLen > 0 && totalLen-ihl >= 0 && totalLen-ihl <= len(payload) {
		payload = payload[:totalLen-ihl]
	}

	switch ip.NextHeader {
	case ipProtoICMP:
		parseICMP(payload, pkt)
	case ipProtoTCP:
		parseTCP(payload, pkt)
	case ipProtoUDP:
		parseUDP(payload, pkt)
	default:
		pkt.UnknownLayer = fmt.Sprintf("ip-next-header:%d", ip.NextHeader)
	}
}

func parseIPv6(b []byte, pkt *Packet) {
	if len(b) < 40 {
		pkt.UnknownLayer = "ip6:short"
		return
	}

	vtc := binary.BigEndian.Uint32(b[0:4])
	payloadLen := int(binary.BigEndian.Uint16(b[4:6]))
	nextHeader := b[6]

	src, ok1 := netip.AddrFromSlice(b[8:24])
	dst, ok2 := netip.AddrFromSlice(b[24:40])
	if !ok1 || !ok2 {
		pkt.UnknownLayer = "ip6:bad-address"
		return
	}

	ip := &IP{
		Version:      6,
		HeaderLen:    40,
		TotalLen:     40 + payloadLen,
		HopLimit:     b[7],
		NextHeader:   nextHeader,
		Src:          src,
		Dst:          dst,
		TrafficClass: uint8(vtc >> 20),
		FlowLabel:    vtc & 0x000fffff,
		PayloadLen:   payloadLen,
	}
	pkt.IP = ip

	payload := b[40:]
	if payloadLen >= 0 && payloadLen <= len(payload) {
		payload = payload[:payloadLen]
	}

	// Best-effort: skip a single hop-by-hop/fragment extension header, per
	// SPEC_FULL.md §4.1. Anything beyond that falls through to "unknown".
	if (nextHeader == ipv6HopByHop || nextHeader == ipv6Fragment) && len(payload) >= 2 {
		extLen := 8
		if nextHeader == ipv6HopByHop {
			extLen = (int(payload[1]) + 1) * 8
		}
		if extLen <= len(payload) {
			nextHeader = payload[0]
			payload = payload[extLen:]
		}
	}

	switch nextHeader {
	case ipProtoICMPv6:
		parseICMP(payload, pkt)
	case ipProtoTCP:
		parseTCP(payload, pkt)
	case ipProtoUDP:
		parseUDP(payload, pkt)
	default:
		pkt.UnknownLayer = fmt.Sprintf("ip6-next-header:%d", nextHeader)
	}
}

func parseICMP(b []byte, pkt *Packet) {
	if len(b) < 2 {
		pkt.UnknownLayer = "icmp:short"
		return
	}
	pkt.Transport = TransportICMP
	pkt.ICMP = &ICMP{Type: b[0], Code: b[1]}
	setPayload(pkt, b[2:])
}

func parseTCP(b []byte, pkt *Packet) {
	if len(b) < 20 {
		pkt.UnknownLayer = "tcp:short"
		return
	}

	headerLen := int(b[12]>>4) * 4
	if headerLen < 20 || len(b) < headerLen {
		pkt.UnknownLayer = "tcp:bad-offset"
		return
	}

	flagByte := b[13]
	pkt.Transport = TransportTCP
	pkt.TCP = &TCP{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags: TCPFlags{
			NS:  b[12]&0x01 != 0,
			CWR: flagByte&0x80 != 0,
			ECE: flagByte&0x40 != 0,
			URG: flagByte&0x20 != 0,
			ACK: flagByte&0x10 != 0,
			PSH: flagByte&0x08 != 0,
			RST: flagByte&0x04 != 0,
			SYN: flagByte&0x02 != 0,
			FIN: flagByte&0x01 != 0,
		},
		HeaderLen: headerLen,
		Window:    binary.BigEndian.Uint16(b[14:16]),
		Urgent:    binary.BigEndian.Uint16(b[18:20]),
	}

	payload := b[headerLen:]
	pkt.TCP.PayloadLen = len(payload)
	setPayload(pkt, payload)
}

func parseUDP(b []byte, pkt *Packet) {
	if len(b) < 8 {
		pkt.UnknownLayer = "udp:short"
		return
	}

	length := binary.BigEndian.Uint16(b[4:6])
	pkt.Transport = TransportUDP
	pkt.UDP = &UDP{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Length:   length,
		Checksum: binary.BigEndian.Uint16(b[6:8]),
	}

	payload := b[8:]
	if int(length) >= 8 && int(length)-8 <= len(payload) {
		payload = payload[:int(length)-8]
	}
	setPayload(pkt, payload)
}

func setPayload(pkt *Packet, data []byte) {
	entropy, avgPopcount := computeStats(data)
	pkt.Payload = Payload{
		Data:        data,
		Len:         len(data),
		Entropy:     entropy,
		AvgPopcount: avgPopcount,
	}
}

// Package sink implements CensorLab's two enforcement backends
// (SPEC_FULL.md §4.8): an inline NFQUEUE verdicting sink and a passive
// tap sink, plus the RST-synthesis logic they share.
package sink

import (
	"encoding/binary"
	"net/netip"

	"censorlab.dev/censorlab/internal/flow"
)

// BuildResetSegments synthesizes the two TCP RST segments needed to tear
// down a flow in both directions (SPEC_FULL.md §4.8): one addressed as if
// from the WAN endpoint to the client, one the reverse. Each uses the
// last observed sequence/ack for that direction if known, or zero with
// only the RST flag set as a best-effort fallback otherwise.
func BuildResetSegments(key flow.Key, clientEP, wanEP flow.Endpoint, clientSeq, wanSeq flow.DirectionSeqAck) (toClient, toWAN []byte, err error) {
	// toClient is "sent" from wanEP to clientEP, acknowledging whatever
	// sequence number the client last sent, i.e. wanSeq's Ack became the
	// client's next expected Seq; conversely for toWAN.
	toClient, err = buildTCPReset(wanEP, clientEP, resetSeqAck(wanSeq, clientSeq))
	if err != nil {
		return nil, nil, err
	}
	toWAN, err = buildTCPReset(clientEP, wanEP, resetSeqAck(clientSeq, wanSeq))
	if err != nil {
		return nil, nil, err
	}
	return toClient, toWAN, nil
}

// resetSeqAck picks the best available seq/ack pair for a synthesized RST
// traveling in the direction away from `from`: its sequence number should
// continue from what `from` last sent (if known), else what `to` last
// acknowledged, else zero (SPEC_FULL.md §4.8's "best-effort" fallback).
func resetSeqAck(from, to flow.DirectionSeqAck) (seq, ack uint32) {
	if from.Known {
		return from.Seq, from.Ack
	}
	if to.Known {
		return to.Ack, to.Seq
	}
	return 0, 0
}

// buildTCPReset constructs a minimal IPv4 or IPv6 + TCP segment with only
// the RST flag set, addressed from src to dst.
func buildTCPReset(src, dst flow.Endpoint, seq, ack uint32) ([]byte, error) {
	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], src.Port)
	binary.BigEndian.PutUint16(tcp[2:4], dst.Port)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 5 << 4 // data offset: 5 32-bit words, no options
	tcp[13] = 0x04   // RST flag
	binary.BigEndian.PutUint16(tcp[14:16], 0) // window
	// Checksum (bytes 16:18) and urgent pointer (18:20) stay zero here;
	// the checksum is filled in by buildIPv4/buildIPv6 once the
	// pseudo-header is known.

	if src.Addr.Is4() {
		return buildIPv4(src.Addr, dst.Addr, tcp), nil
	}
	return buildIPv6(src.Addr, dst.Addr, tcp), nil
}

func buildIPv4(src, dst netip.Addr, tcp []byte) []byte {
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksumV4(src, dst, tcp))

	ip := make([]byte, 20+len(tcp))
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = 6 // TCP
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(ip[12:16], srcBytes[:])
	copy(ip[16:20], dstBytes[:])
	copy(ip[20:], tcp)
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip[:20]))
	return ip
}

func buildIPv6(src, dst netip.Addr, tcp []byte) []byte {
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksumV6(src, dst, tcp))

	ip := make([]byte, 40+len(tcp))
	ip[0] = 0x60
	binary.BigEndian.PutUint16(ip[4:6], uint16(len(tcp)))
	ip[6] = 6 // next header: TCP
	ip[7] = 64
	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(ip[8:24], srcBytes[:])
	copy(ip[24:40], dstBytes[:])
	copy(ip[40:], tcp)
	return ip
}

func ipv4Checksum(header []byte) uint16 {
	return internetChecksum(header)
}

func tcpChecksumV4(src, dst netip.Addr, tcp []byte) uint16 {
	pseudo := make([]byte, 12+len(tcp))
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(pseudo[0:4], srcBytes[:])
	copy(pseudo[4:8], dstBytes[:])
	pseudo[9] = 6
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcp)))
	copy(pseudo[12:], tcp)
	return internetChecksum(pseudo)
}

func tcpChecksumV6(src, dst netip.Addr, tcp []byte) uint16 {
	pseudo := make([]byte, 40+len(tcp))
	srcBytes := src.As16()
	dstBytes := dst.As16()
	copy(pseudo[0:16], srcBytes[:])
	copy(pseudo[16:32], dstBytes[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(tcp)))
	pseudo[39] = 6
	copy(pseudo[40:], tcp)
	return internetChecksum(pseudo)
}

// internetChecksum computes the standard one's-complement 16-bit checksum
// used by IPv4 headers and TCP/UDP pseudo-header checksums.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

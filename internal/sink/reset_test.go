package sink

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"censorlab.dev/censorlab/internal/flow"
)

func TestBuildResetSegmentsIPv4(t *testing.T) {
	client := flow.Endpoint{Addr: netip.MustParseAddr("10.0.0.5"), Port: 40000}
	wan := flow.Endpoint{Addr: netip.MustParseAddr("93.184.216.34"), Port: 443}
	clientSeq := flow.DirectionSeqAck{Seq: 1000, Ack: 2000, Known: true}
	wanSeq := flow.DirectionSeqAck{Seq: 2000, Ack: 1050, Known: true}

	toClient, toWAN, err := BuildResetSegments(flow.Key{}, client, wan, clientSeq, wanSeq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertIPv4TCPReset(t, toClient, wan.Addr, client.Addr, wan.Port, client.Port)
	assertIPv4TCPReset(t, toWAN, client.Addr, wan.Addr, client.Port, wan.Port)
}

func assertIPv4TCPReset(t *testing.T, seg []byte, src, dst netip.Addr, srcPort, dstPort uint16) {
	t.Helper()
	if len(seg) < 20 {
		t.Fatalf("segment too short: %d bytes", len(seg))
	}
	if seg[0]>>4 != 4 {
		t.Fatalf("expected IPv4, got version %d", seg[0]>>4)
	}
	ihl := int(seg[0]&0x0f) * 4
	if ihl != 20 {
		t.Fatalf("expected no IP options, got IHL %d", ihl)
	}
	gotSrc, _ := netip.AddrFromSlice(seg[12:16])
	gotDst, _ := netip.AddrFromSlice(seg[16:20])
	if gotSrc != src {
		t.Fatalf("expected src %v, got %v", src, gotSrc)
	}
	if gotDst != dst {
		t.Fatalf("expected dst %v, got %v", dst, gotDst)
	}

	tcp := seg[ihl:]
	if len(tcp) < 20 {
		t.Fatalf("tcp segment too short: %d bytes", len(tcp))
	}
	gotSrcPort := binary.BigEndian.Uint16(tcp[0:2])
	gotDstPort := binary.BigEndian.Uint16(tcp[2:4])
	if gotSrcPort != srcPort {
		t.Fatalf("expected src port %d, got %d", srcPort, gotSrcPort)
	}
	if gotDstPort != dstPort {
		t.Fatalf("expected dst port %d, got %d", dstPort, gotDstPort)
	}
	if tcp[13]&0x04 == 0 {
		t.Fatal("expected RST flag set")
	}
}

func TestBuildResetSegmentsIPv6(t *testing.T) {
	client := flow.Endpoint{Addr: netip.MustParseAddr("2001:db8::1"), Port: 50000}
	wan := flow.Endpoint{Addr: netip.MustParseAddr("2001:db8::2"), Port: 443}

	toClient, toWAN, err := BuildResetSegments(flow.Key{}, client, wan, flow.DirectionSeqAck{}, flow.DirectionSeqAck{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toClient[0]>>4 != 6 {
		t.Fatalf("expected IPv6, got version %d", toClient[0]>>4)
	}
	if toWAN[0]>>4 != 6 {
		t.Fatalf("expected IPv6, got version %d", toWAN[0]>>4)
	}
}

func TestResetSeqAckFallsBackToZero(t *testing.T) {
	seq, ack := resetSeqAck(flow.DirectionSeqAck{}, flow.DirectionSeqAck{})
	if seq != 0 || ack != 0 {
		t.Fatalf("expected zero fallback, got seq=%d ack=%d", seq, ack)
	}
}

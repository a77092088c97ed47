package packetmodel

import (
	"encoding/binary"
	"math"
	"math/rand"
	"net"
	"testing"
	"time"
)

func buildEthIPv4TCP(t *testing.T, payload []byte, flags byte) []byte {
	t.Helper()

	tcp := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], 1234) // src port
	binary.BigEndian.PutUint16(tcp[2:4], 80)   // dst port
	binary.BigEndian.PutUint32(tcp[4:8], 1000)
	binary.BigEndian.PutUint32(tcp[8:12], 2000)
	tcp[12] = 5 << 4 // header len = 20
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	copy(tcp[20:], payload)

	ip := make([]byte, 20+len(tcp))
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[8] = 64 // TTL
	ip[9] = 6  // TCP
	copy(ip[12:16], net.ParseIP("10.0.0.1").To4())
	copy(ip[16:20], net.ParseIP("10.0.0.2").To4())
	copy(ip[20:], tcp)

	frame := make([]byte, 14+len(ip))
	copy(frame[0:6], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	copy(frame[6:12], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66})
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	copy(frame[14:], ip)
	return frame
}

func TestParseEthIPv4TCP(t *testing.T) {
	frame := buildEthIPv4TCP(t, []byte("hello"), 0x02) // SYN
	pkt := Parse(frame, time.Unix(100, 0))

	if pkt.UnknownLayer != "" {
		t.Fatalf("unexpected unknown layer: %s", pkt.UnknownLayer)
	}
	if pkt.IP == nil || pkt.IP.Version != 4 {
		t.Fatalf("expected IPv4 layer, got %+v", pkt.IP)
	}
	if pkt.IP.Src.String() != "10.0.0.1" || pkt.IP.Dst.String() != "10.0.0.2" {
		t.Fatalf("unexpected addresses: %+v", pkt.IP)
	}
	if pkt.IP.TTL() != 64 {
		t.Fatalf("expected TTL 64, got %d", pkt.IP.TTL())
	}
	if pkt.Transport != TransportTCP || pkt.TCP == nil {
		t.Fatalf("expected TCP transport, got %v", pkt.Transport)
	}
	if !pkt.TCP.Flags.SYN || pkt.TCP.Flags.ACK {
		t.Fatalf("expected SYN-only flags, got %+v", pkt.TCP.Flags)
	}
	if pkt.TCP.SrcPort != 1234 || pkt.TCP.DstPort != 80 {
		t.Fatalf("unexpected ports: %+v", pkt.TCP)
	}
	if string(pkt.Payload.Data) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", pkt.Payload.Data)
	}
}

func TestParseUnknownEtherType(t *testing.T) {
	frame := make([]byte, 20)
	binary.BigEndian.PutUint16(frame[12:14], 0x1234)
	pkt := Parse(frame, time.Now())
	if pkt.UnknownLayer != "ethertype:0x1234" {
		t.Fatalf("expected unknown ethertype marker, got %q", pkt.UnknownLayer)
	}
}

func TestEntropyZeroPayload(t *testing.T) {
	entropy, _ := computeStats(nil)
	if entropy != 0.0 {
		t.Fatalf("expected 0 entropy for empty payload, got %f", entropy)
	}
}

func TestEntropyUniformRandom(t *testing.T) {
	// The histogram entropy of a finite random sample sits about 0.045
	// bits below 8, so the payload has an exactly uniform byte histogram
	// (each value 16 times), in random order.
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}
	rand.Shuffle(len(data), func(i, j int) { data[i], data[j] = data[j], data[i] })
	entropy, avgPopcount := computeStats(data)
	if math.Abs(entropy-8.0) > 0.02 {
		t.Fatalf("expected entropy within 0.02 of 8.0, got %f", entropy)
	}
	if avgPopcount < 0 || avgPopcount > 8 {
		t.Fatalf("avg popcount out of range: %f", avgPopcount)
	}
}

func TestEntropyAllZero(t *testing.T) {
	data := make([]byte, 1024)
	entropy, avgPopcount := computeStats(data)
	if entropy != 0.0 {
		t.Fatalf("expected 0 entropy for all-zero payload, got %f", entropy)
	}
	if avgPopcount != 0.0 {
		t.Fatalf("expected 0 avg popcount for all-zero payload, got %f", avgPopcount)
	}
}

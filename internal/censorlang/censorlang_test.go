package censorlang

import (
	"net/netip"
	"testing"

	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/packetmodel"
)

func synPacket() *packetmodel.Packet {
	return &packetmodel.Packet{
		IP: &packetmodel.IP{
			Version:  4,
			Src:      netip.MustParseAddr("10.0.0.1"),
			Dst:      netip.MustParseAddr("93.184.216.34"),
			HopLimit: 64,
		},
		Transport: packetmodel.TransportTCP,
		TCP: &packetmodel.TCP{
			SrcPort: 40000, DstPort: 443,
			Flags: packetmodel.TCPFlags{SYN: true},
		},
		Payload: packetmodel.Payload{Entropy: 7.9},
	}
}

func TestParseAndRunReturnTerminate(t *testing.T) {
	prog, err := Parse(`
if tcp.flag.syn eq true: RETURN terminate
`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vm := NewVM(prog, nil)
	v, err := vm.Invoke(synPacket())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if v != flow.VerdictTerminate {
		t.Fatalf("expected terminate, got %v", v)
	}
}

func TestFallThroughIsAllow(t *testing.T) {
	prog, err := Parse(`
if tcp.flag.fin eq true: RETURN terminate
NOOP
`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vm := NewVM(prog, nil)
	v, err := vm.Invoke(synPacket())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if v != flow.VerdictAllow {
		t.Fatalf("expected fallthrough allow, got %v", v)
	}
}

func TestDivByZeroYieldsZero(t *testing.T) {
	prog, err := Parse(`
COPY reg:i.0 0
DIV reg:i.1 reg:i.0 reg:i.0
if reg:i.1 eq 0: RETURN terminate
`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vm := NewVM(prog, nil)
	v, err := vm.Invoke(synPacket())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if v != flow.VerdictTerminate {
		t.Fatalf("expected terminate (div-by-zero yielded 0), got %v", v)
	}
}

func TestModByZeroYieldsZero(t *testing.T) {
	prog, err := Parse(`
COPY reg:i.0 0
MOD reg:i.1 reg:i.0 reg:i.0
if reg:i.1 eq 0: RETURN allow_all
`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vm := NewVM(prog, nil)
	v, err := vm.Invoke(synPacket())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if v != flow.VerdictAllowAll {
		t.Fatalf("expected allow_all (mod-by-zero yielded 0), got %v", v)
	}
}

func TestCrossTypeRegisterWriteRejectedAtParse(t *testing.T) {
	_, err := Parse(`
COPY reg:b.0 tcp.src_port
`)
	if err == nil {
		t.Fatal("expected type error for bool dst from int field")
	}
}

func TestModelOperation(t *testing.T) {
	prog, err := Parse(`
MODEL sni_classifier reg:f.0 transport.payload.entropy
if reg:f.0 gt 0.5: RETURN terminate
`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	vm := NewVM(prog, fakeModel{})
	v, err := vm.Invoke(synPacket())
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if v != flow.VerdictTerminate {
		t.Fatalf("expected terminate, got %v", v)
	}
}

type fakeModel struct{}

func (fakeModel) Evaluate(name string, input []float32) ([]float32, error) {
	return []float32{0.9}, nil
}

func TestPrintParseRoundTrip(t *testing.T) {
	src := `if tcp.flag.syn eq true: RETURN terminate
COPY reg:i.0 tcp.src_port
ADD reg:i.1 reg:i.0 1
MODEL sni_classifier reg:f.0 transport.payload.entropy
NOOP
`
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	printed := Print(prog)

	prog2, err := Parse(printed)
	if err != nil {
		t.Fatalf("unexpected parse error on re-parse: %v\nsource:\n%s", err, printed)
	}
	printed2 := Print(prog2)
	if printed != printed2 {
		t.Fatalf("round trip not stable:\nfirst:\n%s\nsecond:\n%s", printed, printed2)
	}
}

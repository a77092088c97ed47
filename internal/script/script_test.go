package script

import (
	"net/netip"
	"testing"

	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/packetmodel"
)

func samplePacket() *packetmodel.Packet {
	return &packetmodel.Packet{
		IP: &packetmodel.IP{
			Version:  4,
			Src:      netip.MustParseAddr("10.0.0.1"),
			Dst:      netip.MustParseAddr("93.184.216.34"),
			HopLimit: 64,
		},
		Transport: packetmodel.TransportTCP,
		TCP: &packetmodel.TCP{
			SrcPort: 40000,
			DstPort: 443,
			Flags:   packetmodel.TCPFlags{SYN: true},
		},
		Payload: packetmodel.Payload{Data: []byte("hello"), Len: 5, Entropy: 2.1},
	}
}

func TestProcessAllowByDefault(t *testing.T) {
	host := NewHost("t.star", []byte("def process(packet):\n    pass\n"), HostOptions{})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := ctx.Invoke(samplePacket())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictAllow {
		t.Fatalf("expected allow, got %v", v)
	}
}

func TestProcessDropOnPort(t *testing.T) {
	src := `
def process(packet):
    if packet.tcp.dst_port == 443:
        return "drop"
    return "allow"
`
	host := NewHost("t.star", []byte(src), HostOptions{})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := ctx.Invoke(samplePacket())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictDrop {
		t.Fatalf("expected drop, got %v", v)
	}
}

func TestProcessTerminate(t *testing.T) {
	src := `
def process(packet):
    return "terminate"
`
	host := NewHost("t.star", []byte(src), HostOptions{})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := ctx.Invoke(samplePacket())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictTerminate {
		t.Fatalf("expected terminate, got %v", v)
	}
}

func TestProcessInvalidVerdictIsScriptError(t *testing.T) {
	src := `
def process(packet):
    return "wat"
`
	host := NewHost("t.star", []byte(src), HostOptions{})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ctx.Invoke(samplePacket()); err == nil {
		t.Fatal("expected error for unrecognized verdict string")
	}
}

func TestMissingProcessFunctionFailsAtLoad(t *testing.T) {
	host := NewHost("t.star", []byte("x = 1\n"), HostOptions{})
	if _, err := host.NewContext(); err == nil {
		t.Fatal("expected error for missing process function")
	}
}

func TestPersistentTopLevelState(t *testing.T) {
	src := `
state = {"count": 0}

def process(packet):
    state["count"] += 1
    if state["count"] >= 3:
        return "allow_all"
    return "allow"
`
	host := NewHost("t.star", []byte(src), HostOptions{})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last flow.Verdict
	for i := 0; i < 3; i++ {
		last, err = ctx.Invoke(samplePacket())
		if err != nil {
			t.Fatalf("unexpected error on invocation %d: %v", i, err)
		}
	}
	if last != flow.VerdictAllowAll {
		t.Fatalf("expected allow_all after 3rd packet, got %v", last)
	}
}

type fakeModel struct{}

func (fakeModel) Evaluate(name string, input []float32) ([]float32, error) {
	return []float32{0.9}, nil
}

func TestModelBuiltin(t *testing.T) {
	src := `
def process(packet):
    out = model.evaluate("sni_classifier", [1.0, 2.0])
    if out[0] > 0.5:
        return "drop"
    return "allow"
`
	host := NewHost("t.star", []byte(src), HostOptions{Model: fakeModel{}})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := ctx.Invoke(samplePacket())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictDrop {
		t.Fatalf("expected drop, got %v", v)
	}
}

func TestRegexBuiltin(t *testing.T) {
	src := `
r = regex("ell")

def process(packet):
    if r.ismatch(packet.payload):
        return "drop"
    return "allow"
`
	host := NewHost("t.star", []byte(src), HostOptions{EnableRegex: true})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := ctx.Invoke(samplePacket())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictDrop {
		t.Fatalf("expected drop, got %v", v)
	}
}

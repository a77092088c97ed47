package script

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/packetmodel"
)

func buildDNSResponse(t *testing.T) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("93.184.216.34"),
	})
	payload, err := msg.Pack()
	if err != nil {
		t.Fatalf("failed to pack test message: %v", err)
	}
	return payload
}

func TestParseDNSDecodesQuestionsAndAnswers(t *testing.T) {
	v := ParseDNS(buildDNSResponse(t))
	st, ok := v.(*starlarkstruct.Struct)
	if !ok {
		t.Fatalf("expected *starlarkstruct.Struct, got %T", v)
	}

	questions, err := st.Attr("questions")
	if err != nil {
		t.Fatalf("missing questions attr: %v", err)
	}
	qlist, ok := questions.(*starlark.List)
	if !ok || qlist.Len() != 1 {
		t.Fatalf("expected one question, got %v", questions)
	}

	answers, err := st.Attr("answers")
	if err != nil {
		t.Fatalf("missing answers attr: %v", err)
	}
	alist, ok := answers.(*starlark.List)
	if !ok || alist.Len() != 1 {
		t.Fatalf("expected one answer, got %v", answers)
	}

	ans, ok := alist.Index(0).(*starlarkstruct.Struct)
	if !ok {
		t.Fatalf("expected answer struct, got %T", alist.Index(0))
	}
	data, err := ans.Attr("data")
	if err != nil {
		t.Fatalf("missing data attr: %v", err)
	}
	if s, ok := data.(starlark.String); !ok || string(s) != "93.184.216.34" {
		t.Fatalf("expected resolved address, got %v", data)
	}
}

func TestParseDNSReturnsNilOnGarbage(t *testing.T) {
	if v := ParseDNS([]byte{0x01, 0x02, 0x03}); v != nil {
		t.Fatalf("expected nil for malformed payload, got %v", v)
	}
}

func TestParseDNSBuiltinWiredIntoProgram(t *testing.T) {
	src := `
def process(packet):
    msg = parse_dns(packet.payload)
    if msg == None:
        return "allow"
    if len(msg.answers) > 0 and msg.answers[0].data == "93.184.216.34":
        return "drop"
    return "allow"
`
	host := NewHost("t.star", []byte(src), HostOptions{EnableDNS: true, DNSParser: ParseDNS})
	ctx, err := host.NewContext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := buildDNSResponse(t)
	pkt := samplePacket()
	pkt.Payload = packetmodel.Payload{Data: raw, Len: len(raw)}
	v, err := ctx.Invoke(pkt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != flow.VerdictDrop {
		t.Fatalf("expected drop, got %v", v)
	}
}

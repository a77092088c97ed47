package script

import (
	"github.com/miekg/dns"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ParseDNS decodes a UDP payload as a DNS message and exposes it to
// Starlark programs as a struct with id/opcode/rcode plus question and
// answer lists, per SPEC_FULL.md §4.5's parse_dns builtin. It returns nil
// on anything that doesn't parse as DNS, matching DNSParser's contract.
func ParseDNS(payload []byte) starlark.Value {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil
	}

	questions := make([]starlark.Value, 0, len(msg.Question))
	for _, q := range msg.Question {
		questions = append(questions, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":  starlark.String(q.Name),
			"qtype": starlark.String(dns.TypeToString[q.Qtype]),
		}))
	}

	answers := make([]starlark.Value, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		hdr := rr.Header()
		answers = append(answers, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name": starlark.String(hdr.Name),
			"type": starlark.String(dns.TypeToString[hdr.Rrtype]),
			"ttl":  starlark.MakeUint64(uint64(hdr.Ttl)),
			"data": starlark.String(dnsRecordData(rr)),
		}))
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":        starlark.MakeUint64(uint64(msg.Id)),
		"opcode":    starlark.MakeInt(msg.Opcode),
		"rcode":     starlark.MakeInt(msg.Rcode),
		"truncated": starlark.Bool(msg.Truncated),
		"questions": starlark.NewList(questions),
		"answers":   starlark.NewList(answers),
	})
}

// dnsRecordData extracts the one piece of record-specific data scripts
// most often need (the resolved address or target name) rather than
// exposing every RR type's full field set.
func dnsRecordData(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return v.Target
	case *dns.NS:
		return v.Ns
	case *dns.PTR:
		return v.Ptr
	case *dns.TXT:
		if len(v.Txt) > 0 {
			return v.Txt[0]
		}
		return ""
	default:
		return ""
	}
}

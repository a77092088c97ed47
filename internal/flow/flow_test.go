package flow

import (
	"net/netip"
	"testing"
	"time"

	"censorlab.dev/censorlab/internal/packetmodel"
)

func tcpPacket(srcAddr, dstAddr string, srcPort, dstPort uint16, syn, ack bool) *packetmodel.Packet {
	return &packetmodel.Packet{
		IP: &packetmodel.IP{
			Version: 4,
			Src:     netip.MustParseAddr(srcAddr),
			Dst:     netip.MustParseAddr(dstAddr),
		},
		Transport: packetmodel.TransportTCP,
		TCP: &packetmodel.TCP{
			SrcPort: srcPort,
			DstPort: dstPort,
			Flags:   packetmodel.TCPFlags{SYN: syn, ACK: ack},
		},
	}
}

func TestCanonicalKeyBothDirections(t *testing.T) {
	a := tcpPacket("10.0.0.1", "93.184.216.34", 40000, 443, false, true)
	b := tcpPacket("93.184.216.34", "10.0.0.1", 443, 40000, false, true)

	keyA, _, _, ok := CanonicalKey(a)
	if !ok {
		t.Fatal("expected canonical key for a")
	}
	keyB, _, _, ok := CanonicalKey(b)
	if !ok {
		t.Fatal("expected canonical key for b")
	}

	if keyA != keyB {
		t.Fatalf("expected same canonical key for both directions, got %v vs %v", keyA, keyB)
	}
}

func TestDirectionOracleClientSet(t *testing.T) {
	clients := NewClientSet([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
	oracle := NewDirectionOracle(clients)

	out := tcpPacket("10.0.0.1", "93.184.216.34", 40000, 443, true, false)
	_, clientEP, dir, ok := oracle.Identify(out)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	if dir != packetmodel.DirClientToWAN {
		t.Fatalf("expected client->wan, got %v", dir)
	}
	if clientEP.Addr.String() != "10.0.0.1" {
		t.Fatalf("expected client endpoint 10.0.0.1, got %v", clientEP.Addr)
	}

	in := tcpPacket("93.184.216.34", "10.0.0.1", 443, 40000, true, true)
	_, clientEP2, dir2, ok := oracle.Identify(in)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	if dir2 != packetmodel.DirWANToClient {
		t.Fatalf("expected wan->client, got %v", dir2)
	}
	if clientEP2.Addr.String() != "10.0.0.1" {
		t.Fatalf("expected client endpoint 10.0.0.1, got %v", clientEP2.Addr)
	}
}

func TestDirectionOracleSynInference(t *testing.T) {
	// No configured client set: fall back to SYN/SYN-ACK inference.
	oracle := NewDirectionOracle(ClientSet{})

	syn := tcpPacket("172.16.0.5", "172.16.0.9", 5000, 22, true, false)
	key, clientEP, dir, ok := oracle.Identify(syn)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	if dir != packetmodel.DirClientToWAN {
		t.Fatalf("expected client->wan on bare SYN, got %v", dir)
	}

	synAck := tcpPacket("172.16.0.9", "172.16.0.5", 22, 5000, true, true)
	key2, _, dir2, ok := oracle.Identify(synAck)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	if key != key2 {
		t.Fatalf("expected matching flow keys, got %v vs %v", key, key2)
	}
	if dir2 != packetmodel.DirWANToClient {
		t.Fatalf("expected wan->client on syn-ack, got %v", dir2)
	}
	if clientEP.Addr.String() != "172.16.0.5" {
		t.Fatalf("expected client endpoint 172.16.0.5, got %v", clientEP.Addr)
	}
}

// TestDirectionOracleSurvivesPastHandshake guards against a regression
// where handshakeCache.resolve deletes its entry when the SYN-ACK consumes
// it, leaving every later packet of the flow with no way to recover the
// client endpoint. Once the flow is interned, BindTable lets the oracle
// answer from the persisted State.ClientEndpoint instead.
func TestDirectionOracleSurvivesPastHandshake(t *testing.T) {
	oracle := NewDirectionOracle(ClientSet{})
	table := NewTable(1, func() (Interpreter, error) {
		return &fakeInterp{verdict: VerdictAllow}, nil
	}, time.Minute, nil)
	oracle.BindTable(table)

	syn := tcpPacket("172.16.0.5", "172.16.0.9", 5000, 22, true, false)
	key, clientEP, _, ok := oracle.Identify(syn)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	table.Intern(key, clientEP, time.Now())

	synAck := tcpPacket("172.16.0.9", "172.16.0.5", 22, 5000, true, true)
	_, _, dir2, ok := oracle.Identify(synAck)
	if !ok {
		t.Fatal("expected identify to succeed")
	}
	if dir2 != packetmodel.DirWANToClient {
		t.Fatalf("expected wan->client on syn-ack, got %v", dir2)
	}

	// A third, post-handshake data packet must still resolve correctly
	// instead of falling through to DirUnknown.
	data := tcpPacket("172.16.0.5", "172.16.0.9", 5000, 22, false, true)
	_, clientEP3, dir3, ok := oracle.Identify(data)
	if !ok {
		t.Fatal("expected identify to succeed for post-handshake packet")
	}
	if dir3 != packetmodel.DirClientToWAN {
		t.Fatalf("expected client->wan for post-handshake packet, got %v", dir3)
	}
	if clientEP3.Addr.String() != "172.16.0.5" {
		t.Fatalf("expected client endpoint 172.16.0.5, got %v", clientEP3.Addr)
	}

	// And a fourth packet further still, to rule out a one-extra-packet fix.
	ack := tcpPacket("172.16.0.9", "172.16.0.5", 22, 5000, false, true)
	_, _, dir4, ok := oracle.Identify(ack)
	if !ok {
		t.Fatal("expected identify to succeed for fourth packet")
	}
	if dir4 != packetmodel.DirWANToClient {
		t.Fatalf("expected wan->client for fourth packet, got %v", dir4)
	}
}

type fakeInterp struct {
	calls   int
	verdict Verdict
	err     error
	closed  bool
}

func (f *fakeInterp) Invoke(pkt *packetmodel.Packet) (Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func (f *fakeInterp) Close() { f.closed = true }

func TestTableInternAndTerminate(t *testing.T) {
	interp := &fakeInterp{verdict: VerdictAllow}
	table := NewTable(4, func() (Interpreter, error) { return interp, nil }, time.Minute, nil)

	key := Key{Proto: 6, AddrLo: netip.MustParseAddr("10.0.0.1"), PortLo: 1, AddrHi: netip.MustParseAddr("10.0.0.2"), PortHi: 2}

	st, created := table.Intern(key, Endpoint{}, time.Now())
	if !created {
		t.Fatal("expected new flow to be created")
	}
	st2, created2 := table.Intern(key, Endpoint{}, time.Now())
	if created2 {
		t.Fatal("expected second intern to reuse flow")
	}
	if st != st2 {
		t.Fatal("expected same flow state instance")
	}

	table.Terminate(key)
	if !interp.closed {
		t.Fatal("expected interpreter to be closed on terminate")
	}
	if st.VerdictStateNow() != StateTerminatedAll {
		t.Fatalf("expected terminated state, got %v", st.VerdictStateNow())
	}
}

func TestFlowBecomesBrokenAfterErrorThreshold(t *testing.T) {
	interp := &fakeInterp{err: errTest{}}
	table := NewTable(1, func() (Interpreter, error) { return interp, nil }, time.Minute, nil)
	key := Key{Proto: 6, PortLo: 1, PortHi: 2, AddrLo: netip.MustParseAddr("10.0.0.1"), AddrHi: netip.MustParseAddr("10.0.0.2")}

	st, _ := table.Intern(key, Endpoint{}, time.Now())
	for i := 0; i < 3; i++ {
		st.Touch(time.Now())
		if _, err := st.Invoke(&packetmodel.Packet{}, VerdictAllow, 3); err == nil && i < 2 {
			t.Fatalf("expected error on invocation %d", i)
		}
	}
	if st.VerdictStateNow() != StateBroken {
		t.Fatalf("expected broken state after threshold errors, got %v", st.VerdictStateNow())
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestAllowAllStopsFutureInvocations(t *testing.T) {
	interp := &fakeInterp{verdict: VerdictAllowAll}
	table := NewTable(1, func() (Interpreter, error) { return interp, nil }, time.Minute, nil)
	key := Key{Proto: 17, PortLo: 1, PortHi: 2, AddrLo: netip.MustParseAddr("10.0.0.1"), AddrHi: netip.MustParseAddr("10.0.0.2")}

	st, _ := table.Intern(key, Endpoint{}, time.Now())
	v, err := st.Invoke(&packetmodel.Packet{}, VerdictAllow, 16)
	if err != nil || v != VerdictAllowAll {
		t.Fatalf("expected allow_all, got %v %v", v, err)
	}

	v2, err := st.Invoke(&packetmodel.Packet{}, VerdictAllow, 16)
	if err != nil || v2 != VerdictAllow {
		t.Fatalf("expected allow (bypassed), got %v %v", v2, err)
	}
	if interp.calls != 1 {
		t.Fatalf("expected interpreter invoked exactly once, got %d", interp.calls)
	}
}

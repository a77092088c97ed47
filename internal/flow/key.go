// Package flow implements the flow identifier/direction oracle (SPEC_FULL.md
// §4.2) and the flow table (§4.3).
package flow

import (
	"fmt"
	"net/netip"
	"sync"

	"censorlab.dev/censorlab/internal/packetmodel"
)

// Key canonically identifies a bidirectional flow. It is comparable and
// used directly as a map key — no hashing step, per SPEC_FULL.md §3.
type Key struct {
	Proto      uint8
	AddrLo     netip.Addr
	PortLo     uint16
	AddrHi     netip.Addr
	PortHi     uint16
}

// String renders the key for logging and metrics labels.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%d-%s:%d", k.Proto, k.AddrLo, k.PortLo, k.AddrHi, k.PortHi)
}

// Endpoint is an (address, port) pair.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// ClientSet is the configured set of addresses considered "client side".
type ClientSet struct {
	prefixes []netip.Prefix
}

// NewClientSet builds a ClientSet from configured CIDR prefixes.
func NewClientSet(prefixes []netip.Prefix) ClientSet {
	return ClientSet{prefixes: prefixes}
}

// Contains reports whether addr falls within the configured client set.
func (c ClientSet) Contains(addr netip.Addr) bool {
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// protoFor returns the IP protocol number implied by the packet's decoded
// transport. With no decoded transport it returns the IP header's
// next-header value, or 0 if there is no IP layer either (e.g. ARP).
func protoFor(pkt *packetmodel.Packet) uint8 {
	switch pkt.Transport {
	case packetmodel.TransportTCP:
		return 6
	case packetmodel.TransportUDP:
		return 17
	case packetmodel.TransportICMP:
		if pkt.IP != nil && pkt.IP.Version == 6 {
			return 58
		}
		return 1
	default:
		if pkt.IP != nil {
			return pkt.IP.NextHeader
		}
		return 0
	}
}

func portsFor(pkt *packetmodel.Packet) (src, dst uint16) {
	switch pkt.Transport {
	case packetmodel.TransportTCP:
		return pkt.TCP.SrcPort, pkt.TCP.DstPort
	case packetmodel.TransportUDP:
		return pkt.UDP.SrcPort, pkt.UDP.DstPort
	default:
		return 0, 0
	}
}

// CanonicalKey builds the canonical (direction-independent) flow key for a
// parsed packet, per SPEC_FULL.md §3's ordering rule: both directions of
// the same connection map to the same Key.
func CanonicalKey(pkt *packetmodel.Packet) (Key, Endpoint, Endpoint, bool) {
	if pkt.IP == nil {
		return Key{}, Endpoint{}, Endpoint{}, false
	}

	srcPort, dstPort := portsFor(pkt)
	proto := protoFor(pkt)

	src := Endpoint{Addr: pkt.IP.Src, Port: srcPort}
	dst := Endpoint{Addr: pkt.IP.Dst, Port: dstPort}

	lo, hi := src, dst
	if less(dst, src) {
		lo, hi = dst, src
	}

	return Key{
		Proto:  proto,
		AddrLo: lo.Addr,
		PortLo: lo.Port,
		AddrHi: hi.Addr,
		PortHi: hi.Port,
	}, src, dst, true
}

func less(a, b Endpoint) bool {
	if cmp := a.Addr.Compare(b.Addr); cmp != 0 {
		return cmp < 0
	}
	return a.Port < b.Port
}

// handshakeCache tracks in-flight TCP SYNs so a later SYN-ACK can confirm
// which endpoint is the client, per SPEC_FULL.md §4.2. It is keyed by the
// canonical flow key and is process-wide (a flow doesn't exist yet when
// its opening SYN arrives).
type handshakeCache struct {
	mu      sync.Mutex
	pending map[Key]Endpoint // flow key -> endpoint that sent the bare SYN
}

func newHandshakeCache() *handshakeCache {
	return &handshakeCache{pending: make(map[Key]Endpoint)}
}

func (h *handshakeCache) notePendingSYN(key Key, client Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[key] = client
}

func (h *handshakeCache) resolve(key Key) (Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
	}
	return ep, ok
}

// DirectionOracle assigns a Direction to each packet of a flow, per
// SPEC_FULL.md §4.2.
type DirectionOracle struct {
	clients    ClientSet
	handshakes *handshakeCache
	table      *Table
}

// NewDirectionOracle creates a direction oracle for the given client set.
func NewDirectionOracle(clients ClientSet) *DirectionOracle {
	return &DirectionOracle{clients: clients, handshakes: newHandshakeCache()}
}

// BindTable lets the oracle consult a flow's persisted ClientEndpoint once
// the flow has been interned, instead of relying solely on the one-shot
// SYN/SYN-ACK handshake cache. Without this, every packet past the 2-packet
// handshake would fall through to DirUnknown, since handshakeCache.resolve
// deletes its entry on first use (by the SYN-ACK). Must be called before
// Identify is used for TCP flows that rely on handshake inference.
func (o *DirectionOracle) BindTable(t *Table) {
	o.table = t
}

// Identify computes the canonical flow key and direction for pkt. The
// returned client endpoint, if known, is the flow's client_endpoint
// (SPEC_FULL.md §3).
func (o *DirectionOracle) Identify(pkt *packetmodel.Packet) (key Key, clientEP Endpoint, dir packetmodel.Direction, ok bool) {
	key, src, dst, ok := CanonicalKey(pkt)
	if !ok {
		return Key{}, Endpoint{}, packetmodel.DirUnknown, false
	}

	srcIsClient := o.clients.Contains(src.Addr)
	dstIsClient := o.clients.Contains(dst.Addr)

	switch {
	case srcIsClient && !dstIsClient:
		return key, src, packetmodel.DirClientToWAN, true
	case dstIsClient && !srcIsClient:
		return key, dst, packetmodel.DirWANToClient, true
	}

	// Neither or both endpoints are in the configured client set: fall
	// back to SYN/SYN-ACK inference for TCP.
	if pkt.Transport == packetmodel.TransportTCP {
		// Once the flow has been interned, its ClientEndpoint is the
		// authoritative answer for the rest of its life: the handshake
		// cache only ever resolves once (SYN-ACK consumes the pending
		// SYN), so every later packet must come from here instead.
		if o.table != nil {
			if st, found := o.table.Get(key); found {
				client := st.ClientEndpoint
				dir := packetmodel.DirClientToWAN
				if src != client {
					dir = packetmodel.DirWANToClient
				}
				return key, client, dir, true
			}
		}
		if pkt.TCP.Flags.SYN && !pkt.TCP.Flags.ACK {
			o.handshakes.notePendingSYN(key, src)
			return key, src, packetmodel.DirClientToWAN, true
		}
		if pkt.TCP.Flags.SYN && pkt.TCP.Flags.ACK {
			if client, found := o.handshakes.resolve(key); found {
				if client == dst {
					return key, dst, packetmodel.DirWANToClient, true
				}
				return key, client, packetmodel.DirClientToWAN, true
			}
		}
		if client, found := o.handshakes.resolve(key); found {
			dir := packetmodel.DirClientToWAN
			if src != client {
				dir = packetmodel.DirWANToClient
			}
			return key, client, dir, true
		}
	}

	return key, Endpoint{}, packetmodel.DirUnknown, true
}

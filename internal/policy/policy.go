// Package policy implements the layered, pre-script policy engine
// (SPEC_FULL.md §4.4): Ethernet, ARP, IP, ICMP, TCP, and UDP matchers built
// once from config, consulted blocklist-before-allowlist, first
// non-None action across layers wins.
package policy

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"censorlab.dev/censorlab/internal/config"
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/packetmodel"
)

// Action mirrors config.Action inside the engine, kept as a distinct type
// so callers outside internal/config (the pipeline, the sinks) don't need
// to import the config package just to switch on a verdict.
type Action int

const (
	ActionNone Action = iota
	ActionIgnore
	ActionDrop
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "Ignore"
	case ActionDrop:
		return "Drop"
	case ActionReset:
		return "Reset"
	default:
		return "None"
	}
}

func fromConfigAction(a config.Action) (Action, error) {
	switch a {
	case config.ActionNone, "":
		return ActionNone, nil
	case config.ActionIgnore:
		return ActionIgnore, nil
	case config.ActionDrop:
		return ActionDrop, nil
	case config.ActionReset:
		return ActionReset, nil
	default:
		return ActionNone, cerrors.Errorf(cerrors.KindConfig, "unknown action %q", a)
	}
}

// macSet is an exact-match set of hardware addresses.
type macSet struct {
	set map[string]bool
}

func newMACSet(list []string) (macSet, error) {
	s := macSet{set: make(map[string]bool, len(list))}
	for _, raw := range list {
		hw, err := net.ParseMAC(raw)
		if err != nil {
			return macSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid MAC address %q", raw)
		}
		s.set[hw.String()] = true
	}
	return s, nil
}

func (s macSet) contains(hw net.HardwareAddr) bool {
	if len(s.set) == 0 || hw == nil {
		return false
	}
	return s.set[hw.String()]
}

// addrSet matches addresses against a list of CIDR prefixes. Bare
// addresses are accepted and treated as /32 or /128.
type addrSet struct {
	prefixes []netip.Prefix
}

func newAddrSet(list []string) (addrSet, error) {
	s := addrSet{prefixes: make([]netip.Prefix, 0, len(list))}
	for _, raw := range list {
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return addrSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid CIDR %q", raw)
			}
			s.prefixes = append(s.prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return addrSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid address %q", raw)
		}
		s.prefixes = append(s.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return s, nil
}

func (s addrSet) contains(addr netip.Addr) bool {
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// portSet is an exact-match set of transport ports.
type portSet struct {
	set map[uint16]bool
}

func newPortSet(list []string) (portSet, error) {
	s := portSet{set: make(map[uint16]bool, len(list))}
	for _, raw := range list {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return portSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid port %q", raw)
		}
		s.set[uint16(n)] = true
	}
	return s, nil
}

func (s portSet) contains(port uint16) bool {
	return len(s.set) > 0 && s.set[port]
}

// ipPortSet is an exact-match set of "addr:port" tuples, addr either bare
// or CIDR.
type ipPortSet struct {
	entries []ipPortEntry
}

type ipPortEntry struct {
	prefix netip.Prefix
	port   uint16
}

func newIPPortSet(list []string) (ipPortSet, error) {
	s := ipPortSet{entries: make([]ipPortEntry, 0, len(list))}
	for _, raw := range list {
		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			return ipPortSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid ip:port %q", raw)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return ipPortSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid port in %q", raw)
		}
		var prefix netip.Prefix
		if strings.Contains(host, "/") {
			prefix, err = netip.ParsePrefix(host)
		} else {
			var addr netip.Addr
			addr, err = netip.ParseAddr(host)
			if err == nil {
				prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
		}
		if err != nil {
			return ipPortSet{}, cerrors.Wrapf(err, cerrors.KindConfig, "invalid address in %q", raw)
		}
		s.entries = append(s.entries, ipPortEntry{prefix: prefix, port: uint16(port)})
	}
	return s, nil
}

func (s ipPortSet) contains(addr netip.Addr, port uint16) bool {
	for _, e := range s.entries {
		if e.port == port && e.prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// listMatcher is the common "blocklist before allowlist" pair used for
// each address/port family (SPEC_FULL.md §4.4 precedence rule).
type listMatcher[T any] struct {
	blocklist       T
	blocklistAction Action
	allowlist       T
	allowlistAction Action
}

// transportMatcher holds the four independent lists a TCP/UDP layer
// configures (SPEC_FULL.md §6).
type transportMatcher struct {
	ports   listMatcher[portSet]
	ipPorts listMatcher[ipPortSet]
}

func (m transportMatcher) evaluate(addr netip.Addr, port uint16) Action {
	if m.ports.blocklist.contains(port) {
		return m.ports.blocklistAction
	}
	if m.ipPorts.blocklist.contains(addr, port) {
		return m.ipPorts.blocklistAction
	}
	if m.ports.allowlist.contains(port) {
		return m.ports.allowlistAction
	}
	if m.ipPorts.allowlist.contains(addr, port) {
		return m.ipPorts.allowlistAction
	}
	return ActionNone
}

// Engine is the layered policy engine (component D). It is immutable once
// built, so it is safe to share across pipeline workers without locking.
type Engine struct {
	ethernetUnknown Action
	ethernet        listMatcher[macSet]

	arpAction Action

	ipUnknown Action
	ip        listMatcher[addrSet]

	icmpAction Action

	tcp transportMatcher
	udp transportMatcher
}

// New builds an Engine from a loaded configuration.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{}

	var err error
	if e.ethernetUnknown, err = fromConfigAction(cfg.Ethernet.Unknown); err != nil {
		return nil, err
	}
	if e.ethernet.blocklist, err = newMACSet(cfg.Ethernet.Blocklist.List); err != nil {
		return nil, err
	}
	if e.ethernet.blocklistAction, err = fromConfigAction(cfg.Ethernet.Blocklist.Action); err != nil {
		return nil, err
	}
	if e.ethernet.allowlist, err = newMACSet(cfg.Ethernet.Allowlist.List); err != nil {
		return nil, err
	}
	if e.ethernet.allowlistAction, err = fromConfigAction(cfg.Ethernet.Allowlist.Action); err != nil {
		return nil, err
	}

	if e.arpAction, err = fromConfigAction(cfg.ARP.Action); err != nil {
		return nil, err
	}

	if e.ipUnknown, err = fromConfigAction(cfg.IP.Unknown); err != nil {
		return nil, err
	}
	if e.ip.blocklist, err = newAddrSet(cfg.IP.Blocklist.List); err != nil {
		return nil, err
	}
	if e.ip.blocklistAction, err = fromConfigAction(cfg.IP.Blocklist.Action); err != nil {
		return nil, err
	}
	if e.ip.allowlist, err = newAddrSet(cfg.IP.Allowlist.List); err != nil {
		return nil, err
	}
	if e.ip.allowlistAction, err = fromConfigAction(cfg.IP.Allowlist.Action); err != nil {
		return nil, err
	}

	if e.icmpAction, err = fromConfigAction(cfg.ICMP.Action); err != nil {
		return nil, err
	}

	if e.tcp, err = newTransportMatcher(cfg.TCP); err != nil {
		return nil, err
	}
	if e.udp, err = newTransportMatcher(cfg.UDP); err != nil {
		return nil, err
	}

	return e, nil
}

func newTransportMatcher(cfg config.Transport) (transportMatcher, error) {
	var m transportMatcher
	var err error

	if m.ports.blocklist, err = newPortSet(cfg.PortBlocklist.List); err != nil {
		return m, err
	}
	if m.ports.blocklistAction, err = fromConfigAction(cfg.PortBlocklist.Action); err != nil {
		return m, err
	}
	if m.ports.allowlist, err = newPortSet(cfg.PortAllowlist.List); err != nil {
		return m, err
	}
	if m.ports.allowlistAction, err = fromConfigAction(cfg.PortAllowlist.Action); err != nil {
		return m, err
	}
	if m.ipPorts.blocklist, err = newIPPortSet(cfg.IPPortBlocklist.List); err != nil {
		return m, err
	}
	if m.ipPorts.blocklistAction, err = fromConfigAction(cfg.IPPortBlocklist.Action); err != nil {
		return m, err
	}
	if m.ipPorts.allowlist, err = newIPPortSet(cfg.IPPortAllowlist.List); err != nil {
		return m, err
	}
	if m.ipPorts.allowlistAction, err = fromConfigAction(cfg.IPPortAllowlist.Action); err != nil {
		return m, err
	}
	return m, nil
}

// Evaluate runs all configured layers against pkt in declared order and
// returns the first non-None action, or ActionNone if every layer is
// silent (in which case control passes to the scripting engine per
// SPEC_FULL.md §4.4).
func (e *Engine) Evaluate(pkt *packetmodel.Packet) Action {
	if a := e.evaluateEthernet(pkt); a != ActionNone {
		return a
	}
	if pkt.ARP != nil {
		if e.arpAction != ActionNone {
			return e.arpAction
		}
	}
	if a := e.evaluateIP(pkt); a != ActionNone {
		return a
	}
	if pkt.ICMP != nil && e.icmpAction != ActionNone {
		return e.icmpAction
	}
	if pkt.IP == nil {
		return ActionNone
	}
	switch pkt.Transport {
	case packetmodel.TransportTCP:
		if a := e.tcp.evaluate(pkt.IP.Src, pkt.TCP.SrcPort); a != ActionNone {
			return a
		}
		if a := e.tcp.evaluate(pkt.IP.Dst, pkt.TCP.DstPort); a != ActionNone {
			return a
		}
	case packetmodel.TransportUDP:
		if a := e.udp.evaluate(pkt.IP.Src, pkt.UDP.SrcPort); a != ActionNone {
			return a
		}
		if a := e.udp.evaluate(pkt.IP.Dst, pkt.UDP.DstPort); a != ActionNone {
			return a
		}
	}
	return ActionNone
}

func (e *Engine) evaluateEthernet(pkt *packetmodel.Packet) Action {
	if e.ethernet.blocklist.contains(pkt.Ethernet.Src) || e.ethernet.blocklist.contains(pkt.Ethernet.Dst) {
		return e.ethernet.blocklistAction
	}
	if e.ethernet.allowlist.contains(pkt.Ethernet.Src) || e.ethernet.allowlist.contains(pkt.Ethernet.Dst) {
		return e.ethernet.allowlistAction
	}
	if pkt.UnknownLayer != "" && strings.HasPrefix(pkt.UnknownLayer, "ethertype:") {
		return e.ethernetUnknown
	}
	return ActionNone
}

func (e *Engine) evaluateIP(pkt *packetmodel.Packet) Action {
	if pkt.IP == nil {
		return ActionNone
	}
	if e.ip.blocklist.contains(pkt.IP.Src) || e.ip.blocklist.contains(pkt.IP.Dst) {
		return demoteResetForNonTCP(e.ip.blocklistAction, pkt)
	}
	if e.ip.allowlist.contains(pkt.IP.Src) || e.ip.allowlist.contains(pkt.IP.Dst) {
		return demoteResetForNonTCP(e.ip.allowlistAction, pkt)
	}
	if strings.HasPrefix(pkt.UnknownLayer, "ip-next-header:") {
		return demoteResetForNonTCP(e.ipUnknown, pkt)
	}
	return ActionNone
}

// demoteResetForNonTCP implements SPEC_FULL.md §4.4's "Reset ... valid in
// IP and TCP layers. If chosen at IP layer and the flow is non-TCP,
// behaves as None."
func demoteResetForNonTCP(action Action, pkt *packetmodel.Packet) Action {
	if action == ActionReset && pkt.Transport != packetmodel.TransportTCP {
		return ActionNone
	}
	return action
}

package sink

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/gopacket/gopacket/pcapgo"
	"github.com/mdlayher/packet"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
)

// Tap is the passive enforcement sink (SPEC_FULL.md §4.8): it observes
// traffic via a live interface or an offline capture file, never holds a
// packet awaiting a verdict, and can only inject RSTs — `Drop` is logged
// and promoted to `None` exactly as specified.
type Tap struct {
	conn   *packet.Conn
	reader *pcapgo.Reader
	closer io.Closer
	log    *logging.Logger

	rawV4 *ipv4.RawConn
	rawV6 *ipv6.PacketConn
}

// NewTapInterface opens a live AF_PACKET capture on the named interface,
// via github.com/mdlayher/packet (no cgo, no libpcap dependency).
func NewTapInterface(name string, log *logging.Logger) (*Tap, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindConfig, "interface %q not found", name)
	}
	conn, err := packet.Listen(ifi, packet.Raw, int(allEtherTypes), nil)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindInternal, "failed to open AF_PACKET socket on %s", name)
	}

	rawV4, rawV6, err := openRawConns()
	if err != nil {
		conn.Close()
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "failed to open raw sockets for RST injection")
	}

	return &Tap{conn: conn, log: log, rawV4: rawV4, rawV6: rawV6}, nil
}

// allEtherTypes is ETH_P_ALL in host byte order, as mdlayher/packet
// expects (it handles the network-byte-order conversion internally).
const allEtherTypes = 0x0003

// NewTapFile opens an offline pcap capture file for replay, via
// gopacket/gopacket/pcapgo.
func NewTapFile(path string, log *logging.Logger) (*Tap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindConfig, "failed to open capture file %s", path)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, cerrors.Wrapf(err, cerrors.KindConfig, "failed to read pcap header from %s", path)
	}
	return &Tap{reader: r, closer: f, log: log}, nil
}

// ReadFrame returns the next frame's bytes and timestamp. For a live
// interface the timestamp is the read time; for a capture file it is the
// recorded capture time.
func (t *Tap) ReadFrame() ([]byte, time.Time, error) {
	if t.reader != nil {
		data, ci, err := t.reader.ReadPacketData()
		if err != nil {
			return nil, time.Time{}, err
		}
		return data, ci.Timestamp, nil
	}

	buf := make([]byte, 65536)
	n, _, err := t.conn.ReadFrom(buf)
	if err != nil {
		return nil, time.Time{}, err
	}
	return buf[:n], time.Now(), nil
}

// Verdict logs what the pipeline decided; Drop/Reset cannot actually stop
// a packet already on the wire, so only the RST side effect of Reset is
// carried out.
func (t *Tap) Verdict(decision Decision) {
	if t.log == nil {
		return
	}
	switch decision {
	case DecisionDrop:
		t.log.Warn("tap sink cannot drop packets already on the wire; promoted to allow")
	case DecisionReset:
		t.log.Info("tap sink cannot drop the triggering packet; injecting reset only")
	}
}

// InjectReset sends both RST segments onto the network, same as Queue.
func (t *Tap) InjectReset(key flow.Key, clientEP, wanEP flow.Endpoint, clientSeq, wanSeq flow.DirectionSeqAck) error {
	if t.rawV4 == nil && t.rawV6 == nil {
		return cerrors.New(cerrors.KindInternal, "tap sink has no raw sockets open for RST injection (capture-file mode is replay-only)")
	}
	toClient, toWAN, err := BuildResetSegments(key, clientEP, wanEP, clientSeq, wanSeq)
	if err != nil {
		return err
	}
	if err := sendRawSegment(t.rawV4, t.rawV6, wanEP, clientEP, toClient); err != nil {
		return err
	}
	return sendRawSegment(t.rawV4, t.rawV6, clientEP, wanEP, toWAN)
}

func sendRawSegment(rawV4 *ipv4.RawConn, rawV6 *ipv6.PacketConn, src, dst flow.Endpoint, segment []byte) error {
	if dst.Addr.Is4() {
		if rawV4 == nil {
			return cerrors.New(cerrors.KindInternal, "no ipv4 raw socket available")
		}
		header, err := ipv4.ParseHeader(segment)
		if err != nil {
			return err
		}
		return rawV4.WriteTo(header, segment[header.Len:], nil)
	}
	if rawV6 == nil {
		return cerrors.New(cerrors.KindInternal, "no ipv6 raw socket available")
	}
	_, err := rawV6.WriteTo(segment, nil, &net.IPAddr{IP: net.IP(dst.Addr.AsSlice())})
	return err
}

// Close releases the underlying interface socket or capture file.
func (t *Tap) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

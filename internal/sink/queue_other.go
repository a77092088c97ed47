//go:build !linux

package sink

import (
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/packetmodel"
)

// Decision is the final, sink-facing verdict the pipeline produces after
// merging the policy engine and script/CensorLang outcomes.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionDrop
	DecisionReset
)

// Handler is invoked once per queued packet with its parsed view; it
// returns the final decision for that packet.
type Handler func(pkt *packetmodel.Packet) Decision

// QueueConfig configures the NFQUEUE sink.
type QueueConfig struct {
	QueueNum     uint16
	MaxPacketLen uint32
	MaxQueueLen  uint32
}

// Queue is unavailable outside Linux: NFQUEUE is a Linux netfilter
// mechanism.
type Queue struct{}

// OpenQueue always fails on non-Linux platforms.
func OpenQueue(cfg QueueConfig, handle Handler, log *logging.Logger) (*Queue, error) {
	return nil, cerrors.New(cerrors.KindConfig, "the queue sink requires Linux (NFQUEUE)")
}

func (q *Queue) InjectReset(key flow.Key, clientEP, wanEP flow.Endpoint, clientSeq, wanSeq flow.DirectionSeqAck) error {
	return cerrors.New(cerrors.KindInternal, "queue sink unavailable on this platform")
}

func (q *Queue) Close() error { return nil }

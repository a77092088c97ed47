package flow

import (
	"sync"
	"time"

	"censorlab.dev/censorlab/internal/packetmodel"
)

// VerdictState is a flow's lifecycle state (SPEC_FULL.md §3).
type VerdictState int

const (
	StateActive VerdictState = iota
	StateBypass                   // allow_all: script invocations are skipped from here on
	StateTerminatedAll             // terminate: verdict is fixed, RST already injected
	StateBroken                    // interpreter failed to load; script_error_default applies
)

// String renders the lifecycle state for logging and the debug API.
func (v VerdictState) String() string {
	switch v {
	case StateBypass:
		return "bypass"
	case StateTerminatedAll:
		return "terminated"
	case StateBroken:
		return "broken"
	default:
		return "active"
	}
}

// Verdict is the per-packet decision produced by a censor program.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictDrop
	VerdictAllowAll
	VerdictTerminate
)

// Interpreter is the per-flow scripting backend, satisfied by both the
// Starlark VM host (component E) and the CensorLang micro-VM (component F).
// A flow owns exactly one Interpreter for its lifetime (SPEC_FULL.md §3,
// invariant 2).
type Interpreter interface {
	// Invoke runs the program's per-packet entry point against pkt and
	// returns the resulting verdict.
	Invoke(pkt *packetmodel.Packet) (Verdict, error)
	// Close releases any resources owned by the interpreter.
	Close()
}

// InterpreterFactory creates a fresh Interpreter for a newly-created flow,
// loading the configured censor program once per flow per SPEC_FULL.md §4.5.
type InterpreterFactory func() (Interpreter, error)

// DirectionSeqAck records the last observed TCP sequence/ack numbers for
// one direction of a flow, used to synthesize RST segments (SPEC_FULL.md
// §4.8).
type DirectionSeqAck struct {
	Seq, Ack uint32
	Known    bool
}

// State is a flow's live tracking state.
type State struct {
	Key            Key
	ClientEndpoint Endpoint

	mu                sync.RWMutex
	numPackets        uint64
	createdAt         time.Time
	lastSeenAt        time.Time
	verdictState      VerdictState
	consecutiveErrors int

	interpreter Interpreter

	// ClientSeq/WANSeq hold the last observed sequence state per
	// direction, used by RST synthesis (SPEC_FULL.md §4.8).
	ClientSeq DirectionSeqAck
	WANSeq    DirectionSeqAck
}

func newState(key Key, clientEP Endpoint, now time.Time, interp Interpreter, broken bool) *State {
	s := &State{
		Key:            key,
		ClientEndpoint: clientEP,
		createdAt:      now,
		lastSeenAt:     now,
		interpreter:    interp,
	}
	if broken {
		s.verdictState = StateBroken
	}
	return s
}

// Touch increments the packet counter and updates last-seen time. Per
// SPEC_FULL.md §3 invariant 3, this must happen before the interpreter runs.
func (s *State) Touch(now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numPackets++
	s.lastSeenAt = now
	return s.numPackets
}

// NumPackets returns the number of packets seen so far.
func (s *State) NumPackets() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numPackets
}

// LastSeen returns the last-seen timestamp.
func (s *State) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeenAt
}

// CreatedAt returns the flow's creation timestamp.
func (s *State) CreatedAt() time.Time {
	return s.createdAt
}

// VerdictStateNow returns the flow's current lifecycle state.
func (s *State) VerdictStateNow() VerdictState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verdictState
}

// IsTerminal reports whether the flow never produces another script
// invocation (SPEC_FULL.md §3 invariant 4).
func (s *State) IsTerminal() bool {
	switch s.VerdictStateNow() {
	case StateTerminatedAll, StateBypass, StateBroken:
		return true
	default:
		return false
	}
}

// Invoke runs the flow's interpreter against pkt, honoring Bypass/
// Terminated/Broken short-circuits, and applies terminal-state
// transitions implied by the returned verdict.
func (s *State) Invoke(pkt *packetmodel.Packet, scriptErrorDefault Verdict, errorThreshold int) (Verdict, error) {
	s.mu.Lock()
	state := s.verdictState
	s.mu.Unlock()

	switch state {
	case StateTerminatedAll:
		return VerdictDrop, nil
	case StateBypass:
		return VerdictAllow, nil
	case StateBroken:
		return scriptErrorDefault, nil
	}

	if s.interpreter == nil {
		return scriptErrorDefault, nil
	}

	pkt.NumPackets = s.NumPackets()
	verdict, err := s.interpreter.Invoke(pkt)
	if err != nil {
		s.mu.Lock()
		s.consecutiveErrors++
		tripped := s.consecutiveErrors >= errorThreshold
		if tripped {
			s.verdictState = StateBroken
		}
		s.mu.Unlock()
		return scriptErrorDefault, err
	}

	s.mu.Lock()
	s.consecutiveErrors = 0
	switch verdict {
	case VerdictAllowAll:
		s.verdictState = StateBypass
	case VerdictTerminate:
		s.verdictState = StateTerminatedAll
	}
	s.mu.Unlock()

	return verdict, nil
}

// RecordSeqAck updates the flow's last-known TCP sequence state for the
// given direction, for use by RST synthesis.
func (s *State) RecordSeqAck(dir packetmodel.Direction, seq, ack uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch dir {
	case packetmodel.DirClientToWAN:
		s.ClientSeq = DirectionSeqAck{Seq: seq, Ack: ack, Known: true}
	case packetmodel.DirWANToClient:
		s.WANSeq = DirectionSeqAck{Seq: seq, Ack: ack, Known: true}
	}
}

// Terminate marks the flow TerminatedAll and releases its interpreter
// immediately (SPEC_FULL.md §4.3: "memory pressure matters at line rate").
func (s *State) Terminate() {
	s.mu.Lock()
	interp := s.interpreter
	s.interpreter = nil
	s.verdictState = StateTerminatedAll
	s.mu.Unlock()

	if interp != nil {
		interp.Close()
	}
}

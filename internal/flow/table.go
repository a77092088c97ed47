package flow

import (
	"sync"
	"time"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
)

// shard is one independent slice of the flow table, owned by a single
// worker so reap() never contends with another shard (SPEC_FULL.md §4.3,
// §5).
type shard struct {
	mu    sync.Mutex
	flows map[Key]*State
}

// Table is the sharded flow table (component C).
type Table struct {
	shards     []*shard
	newInterp  InterpreterFactory
	log        *logging.Logger
	idleTTL    time.Duration
}

// NewTable creates a flow table with the given shard count. newInterp is
// invoked once per created flow to build its scripting context.
func NewTable(shardCount int, newInterp InterpreterFactory, idleTTL time.Duration, log *logging.Logger) *Table {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{flows: make(map[Key]*State)}
	}
	return &Table{shards: shards, newInterp: newInterp, idleTTL: idleTTL, log: log}
}

// ShardFor returns the shard index a flow key belongs to, so callers can
// ensure one worker always owns a given flow (SPEC_FULL.md §5).
func (t *Table) ShardFor(key Key) int {
	return int(fnv1a(key) % uint64(len(t.shards)))
}

func fnv1a(k Key) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	mix := func(b byte) {
		h ^= uint64(b)
		h *= prime
	}
	mix(k.Proto)
	for _, b := range k.AddrLo.AsSlice() {
		mix(b)
	}
	mix(byte(k.PortLo))
	mix(byte(k.PortLo >> 8))
	for _, b := range k.AddrHi.AsSlice() {
		mix(b)
	}
	mix(byte(k.PortHi))
	mix(byte(k.PortHi >> 8))
	return h
}

// Intern returns the existing flow for key, or allocates a new one. The
// bool return reports whether a new flow was created (SPEC_FULL.md §4.3).
func (t *Table) Intern(key Key, clientEP Endpoint, now time.Time) (*State, bool) {
	sh := t.shards[t.ShardFor(key)]

	sh.mu.Lock()
	if st, ok := sh.flows[key]; ok {
		sh.mu.Unlock()
		return st, false
	}
	sh.mu.Unlock()

	interp, err := t.newInterp()
	broken := false
	if err != nil {
		broken = true
		if t.log != nil {
			t.log.Error("program load failed, flow marked broken",
				"flow", key.String(), "error", err, "kind", cerrors.GetKind(err).String())
		}
	}

	st := newState(key, clientEP, now, interp, broken)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.flows[key]; ok {
		// Lost the race to a concurrent Intern for the same key; this
		// shouldn't happen under the single-worker-per-shard model but is
		// handled defensively for callers outside the pipeline (e.g. tests).
		if interp != nil {
			interp.Close()
		}
		return existing, false
	}
	sh.flows[key] = st
	return st, true
}

// Get returns the flow for key without creating one.
func (t *Table) Get(key Key) (*State, bool) {
	sh := t.shards[t.ShardFor(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.flows[key]
	return st, ok
}

// Terminate marks the flow TerminatedAll and frees its interpreter
// immediately, but keeps the entry in the table so late-arriving packets
// on the same 5-tuple still see the terminal verdict.
func (t *Table) Terminate(key Key) {
	if st, ok := t.Get(key); ok {
		st.Terminate()
	}
}

// Remove deletes the flow entirely, e.g. after observing FIN/RST in both
// directions.
func (t *Table) Remove(key Key) {
	sh := t.shards[t.ShardFor(key)]

	sh.mu.Lock()
	st, ok := sh.flows[key]
	if ok {
		delete(sh.flows, key)
	}
	sh.mu.Unlock()

	if ok {
		st.Terminate()
	}
}

// Reap evicts flows idle for longer than the table's idle TTL. Callers
// invoke this themselves (SPEC_FULL.md §4.3: "caller-driven; not a
// background thread"), typically once per shard from that shard's worker.
func (t *Table) Reap(shardIndex int, now time.Time) int {
	if t.idleTTL <= 0 {
		return 0
	}
	sh := t.shards[shardIndex]

	sh.mu.Lock()
	var stale []*State
	for k, st := range sh.flows {
		if now.Sub(st.LastSeen()) >= t.idleTTL {
			stale = append(stale, st)
			delete(sh.flows, k)
		}
	}
	sh.mu.Unlock()

	for _, st := range stale {
		st.Terminate()
	}
	return len(stale)
}

// ShardCount returns the number of shards in the table.
func (t *Table) ShardCount() int {
	return len(t.shards)
}

// Len returns the total number of live flows across all shards, for
// metrics and the debug API.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.flows)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot returns a copy of all live flow states, for the debug API.
func (t *Table) Snapshot() []*State {
	var out []*State
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, st := range sh.flows {
			out = append(out, st)
		}
		sh.mu.Unlock()
	}
	return out
}

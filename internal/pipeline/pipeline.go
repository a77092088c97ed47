// Package pipeline wires the parser, direction oracle, flow table, policy
// engine, and script/CensorLang interpreters into the sharded worker pool
// described in SPEC_FULL.md §5.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"censorlab.dev/censorlab/internal/config"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
	"censorlab.dev/censorlab/internal/packetmodel"
	"censorlab.dev/censorlab/internal/policy"
	"censorlab.dev/censorlab/internal/sink"
)

// ResetInjector is satisfied by both sink.Queue and sink.Tap.
type ResetInjector interface {
	InjectReset(key flow.Key, clientEP, wanEP flow.Endpoint, clientSeq, wanSeq flow.DirectionSeqAck) error
}

// Job is one packet to be processed, with an optional verdict callback.
// Exactly one of Packet or Frame is set: the queue sink already parsed
// its packet before the pipeline sees it (SetVerdict needs a decision
// synchronously), while the tap sink hands over raw bytes.
type Job struct {
	Packet  *packetmodel.Packet
	Frame   []byte
	Ts      time.Time
	Verdict func(sink.Decision)
}

// defaultReapInterval is how often each worker reaps its shard of the flow
// table for idle flows, absent an explicit Options.ReapInterval
// (SPEC_FULL.md §4.3: "caller-driven; not a background thread" — the
// pipeline is the caller).
const defaultReapInterval = 30 * time.Second

// Pool is the worker pool described in SPEC_FULL.md §5: N workers, one
// ingress channel each, packets routed by `hash(flow key) % N` so a flow
// is always handled by the same worker.
type Pool struct {
	workers  []chan Job
	wg       sync.WaitGroup
	stopOnce sync.Once

	table    *flow.Table
	oracle   *flow.DirectionOracle
	engine   *policy.Engine
	resets   ResetInjector
	metrics  *metrics.Collector
	log      *logging.Logger

	scriptErrorDefault flow.Verdict
	errorThreshold     int
	reapInterval       time.Duration
}

// Options configures a Pool.
type Options struct {
	Workers        int // 0 => runtime.NumCPU()
	Table          *flow.Table
	Oracle         *flow.DirectionOracle
	Engine         *policy.Engine
	Resets         ResetInjector
	Metrics        *metrics.Collector
	Log            *logging.Logger
	ErrorDefault   config.Action
	ErrorThreshold int
	QueueDepth     int           // per-worker channel buffer
	ReapInterval   time.Duration // 0 => defaultReapInterval
}

// New creates a Pool. Call Start to begin processing and Stop to drain.
func New(opts Options) *Pool {
	n := opts.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	p := &Pool{
		workers:            make([]chan Job, n),
		table:              opts.Table,
		oracle:             opts.Oracle,
		engine:             opts.Engine,
		resets:             opts.Resets,
		metrics:            opts.Metrics,
		log:                opts.Log,
		scriptErrorDefault: actionToVerdict(opts.ErrorDefault),
		errorThreshold:     opts.ErrorThreshold,
		reapInterval:       opts.ReapInterval,
	}
	for i := range p.workers {
		p.workers[i] = make(chan Job, depth)
	}
	if p.errorThreshold <= 0 {
		p.errorThreshold = 16
	}
	if p.reapInterval <= 0 {
		p.reapInterval = defaultReapInterval
	}
	return p
}

// Start launches one goroutine per worker channel, plus a watcher that
// calls Stop when ctx is cancelled. Each worker drains its channel to
// completion once closed, so in-flight packets already read from the
// channel finish with a real verdict before the worker exits
// (SPEC_FULL.md §5's shutdown rule); nothing new is accepted afterward.
func (p *Pool) Start(ctx context.Context) {
	for i, ch := range p.workers {
		p.wg.Add(1)
		go p.runWorker(i, ch)
	}
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// SetResets installs the ResetInjector after construction, for callers
// that must open the enforcement sink using the pool's own Submit/
// SubmitAndWait methods before the sink itself can be handed back to the
// pool for reset injection. Must be called before Start.
func (p *Pool) SetResets(r ResetInjector) {
	p.resets = r
}

// Stop closes all worker channels and waits for them to drain. Safe to
// call more than once, or concurrently with the ctx-triggered Stop Start
// installs: only the first call closes the channels.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		for _, ch := range p.workers {
			close(ch)
		}
	})
	p.wg.Wait()
}

// Submit parses frame, determines its flow, and routes it to the worker
// that owns that flow's shard, without blocking for a verdict. Used by
// the tap sink, which never holds a packet awaiting acceptance but still
// wants the eventual decision for its own logging (onVerdict may be nil).
func (p *Pool) Submit(frame []byte, ts time.Time, onVerdict func(sink.Decision)) {
	p.route(Job{Frame: frame, Ts: ts, Verdict: onVerdict})
}

// SubmitAndWait routes an already-parsed packet to the worker owning its
// flow and blocks for the resulting decision. Used by the queue sink,
// whose SetVerdict call needs a synchronous answer.
func (p *Pool) SubmitAndWait(pkt *packetmodel.Packet, ts time.Time) sink.Decision {
	done := make(chan sink.Decision, 1)
	p.route(Job{Packet: pkt, Ts: ts, Verdict: func(d sink.Decision) { done <- d }})
	return <-done
}

func (p *Pool) route(job Job) {
	shard := 0
	if pkt := job.packet(); pkt != nil {
		if key, _, dir, ok := p.oracle.Identify(pkt); ok {
			pkt.Direction = dir
			shard = p.table.ShardFor(key)
		}
	}
	idx := shard % len(p.workers)
	p.workers[idx] <- job
}

// packet returns the job's parsed view, parsing Frame once and caching it
// on the Job so route's shard lookup and process's policy evaluation
// don't parse the same bytes twice.
func (job *Job) packet() *packetmodel.Packet {
	if job.Packet != nil {
		return job.Packet
	}
	if job.Frame == nil {
		return nil
	}
	pkt := packetmodel.Parse(job.Frame, job.Ts)
	job.Packet = &pkt
	return job.Packet
}

// runWorker drains ch until closed, reaping its shard of the flow table on
// a ticker so idle flows (and their interpreters) don't accumulate forever
// at line rate (SPEC_FULL.md §4.3).
func (p *Pool) runWorker(idx int, ch chan Job) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return
			}
			decision := p.process(&job)
			if job.Verdict != nil {
				job.Verdict(decision)
			}
		case now := <-ticker.C:
			p.reap(idx, now)
		}
	}
}

func (p *Pool) reap(idx int, now time.Time) {
	if p.table == nil {
		return
	}
	n := p.table.Reap(idx, now)
	if n > 0 && p.log != nil {
		p.log.Debug("reaped idle flows", "shard", idx, "count", n)
	}
	if p.metrics != nil {
		p.metrics.SetFlowsActive(p.table.Len())
	}
}

func (p *Pool) process(job *Job) (decision sink.Decision) {
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.Error("recovered panic in packet worker, treating as script error", "panic", r)
			}
			decision = sink.DecisionAccept
		}
	}()

	pkt := job.packet()
	if p.metrics != nil {
		p.metrics.IncPacket()
	}

	key, clientEP, dir, ok := p.oracle.Identify(pkt)
	if !ok {
		// No IP layer (e.g. bare Ethernet/ARP): policy engine only.
		return p.applyAction(p.engine.Evaluate(pkt))
	}
	pkt.Direction = dir

	if action := p.engine.Evaluate(pkt); action != policy.ActionNone {
		if p.metrics != nil {
			p.metrics.IncPolicyAction(action.String())
		}
		if action == policy.ActionReset {
			p.injectReset(key, clientEP)
		}
		return p.applyAction(action)
	}

	st, created := p.table.Intern(key, clientEP, job.Ts)
	if created && p.metrics != nil {
		p.metrics.IncFlowCreated()
	}
	st.Touch(job.Ts)
	p.recordSeqAck(st, pkt, dir)

	verdict, err := st.Invoke(pkt, p.scriptErrorDefault, p.errorThreshold)
	if err != nil && p.metrics != nil {
		p.metrics.IncScriptError()
	}
	if p.metrics != nil {
		p.metrics.IncVerdict(verdictName(verdict))
	}

	switch verdict {
	case flow.VerdictTerminate:
		p.injectReset(key, clientEP)
		p.table.Terminate(key)
		return sink.DecisionDrop
	case flow.VerdictDrop:
		return sink.DecisionDrop
	default:
		return sink.DecisionAccept
	}
}

func (p *Pool) recordSeqAck(st *flow.State, pkt *packetmodel.Packet, dir packetmodel.Direction) {
	if pkt.TCP == nil {
		return
	}
	st.RecordSeqAck(dir, pkt.TCP.Seq, pkt.TCP.Ack)
}

func (p *Pool) injectReset(key flow.Key, clientEP flow.Endpoint) {
	if p.resets == nil {
		return
	}
	st, ok := p.table.Get(key)
	wanEP := flow.Endpoint{Addr: key.AddrHi, Port: key.PortHi}
	if clientEP.Addr == key.AddrHi {
		wanEP = flow.Endpoint{Addr: key.AddrLo, Port: key.PortLo}
	}
	var clientSeq, wanSeq flow.DirectionSeqAck
	if ok {
		clientSeq, wanSeq = st.ClientSeq, st.WANSeq
	}
	if err := p.resets.InjectReset(key, clientEP, wanEP, clientSeq, wanSeq); err != nil {
		if p.log != nil {
			p.log.Warn("failed to inject reset", "flow", key.String(), "error", err)
		}
		return
	}
	if p.metrics != nil {
		p.metrics.IncResetInjected()
	}
}

func verdictName(v flow.Verdict) string {
	switch v {
	case flow.VerdictDrop:
		return "drop"
	case flow.VerdictAllowAll:
		return "allow_all"
	case flow.VerdictTerminate:
		return "terminate"
	default:
		return "allow"
	}
}

func (p *Pool) applyAction(a policy.Action) sink.Decision {
	switch a {
	case policy.ActionDrop, policy.ActionReset:
		return sink.DecisionDrop
	default:
		return sink.DecisionAccept
	}
}

func actionToVerdict(a config.Action) flow.Verdict {
	switch a {
	case config.ActionDrop:
		return flow.VerdictDrop
	default:
		return flow.VerdictAllow
	}
}

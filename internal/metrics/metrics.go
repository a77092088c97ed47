// Package metrics exposes CensorLab's Prometheus counters, grounded on
// this module's own eBPF metrics collector pattern (NewCounter/CounterVec,
// Describe/Collect, MustRegister).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every counter and gauge the pipeline updates as it
// processes packets.
type Collector struct {
	registry *prometheus.Registry

	PacketsProcessed prometheus.Counter
	FlowsCreated     prometheus.Counter
	FlowsActive      prometheus.Gauge
	ScriptErrors     prometheus.Counter
	ResetsInjected   prometheus.Counter

	Verdicts      *prometheus.CounterVec // label: verdict (allow, drop, allow_all, terminate)
	PolicyActions *prometheus.CounterVec // label: action (Ignore, Drop, Reset)
}

// NewCollector builds a Collector and registers it with a fresh registry,
// so the debug API can serve /metrics without pulling in process-wide
// global state.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "censorlab_packets_processed_total",
			Help: "Total number of packets seen by the pipeline.",
		}),
		FlowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "censorlab_flows_created_total",
			Help: "Total number of flows interned into the flow table.",
		}),
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "censorlab_flows_active",
			Help: "Number of flows currently tracked by the flow table.",
		}),
		ScriptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "censorlab_script_errors_total",
			Help: "Total number of interpreter invocations that returned an error.",
		}),
		ResetsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "censorlab_resets_injected_total",
			Help: "Total number of RST segment pairs injected by a sink.",
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "censorlab_verdicts_total",
			Help: "Total number of script/CensorLang verdicts, by verdict.",
		}, []string{"verdict"}),
		PolicyActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "censorlab_policy_actions_total",
			Help: "Total number of layered policy actions that short-circuited the script, by action.",
		}, []string{"action"}),
	}

	c.registry.MustRegister(
		c.PacketsProcessed,
		c.FlowsCreated,
		c.FlowsActive,
		c.ScriptErrors,
		c.ResetsInjected,
		c.Verdicts,
		c.PolicyActions,
	)
	return c
}

// Registry returns the Prometheus registry backing this collector, for
// wiring into an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncPacket records one processed packet.
func (c *Collector) IncPacket() {
	c.PacketsProcessed.Inc()
}

// IncFlowCreated records a new flow table entry.
func (c *Collector) IncFlowCreated() {
	c.FlowsCreated.Inc()
}

// SetFlowsActive sets the current live flow count.
func (c *Collector) SetFlowsActive(n int) {
	c.FlowsActive.Set(float64(n))
}

// IncScriptError records an interpreter invocation that errored.
func (c *Collector) IncScriptError() {
	c.ScriptErrors.Inc()
}

// IncResetInjected records a successful RST injection.
func (c *Collector) IncResetInjected() {
	c.ResetsInjected.Inc()
}

// IncVerdict records a script/CensorLang verdict by name.
func (c *Collector) IncVerdict(verdict string) {
	c.Verdicts.WithLabelValues(verdict).Inc()
}

// IncPolicyAction records a layered policy action by name.
func (c *Collector) IncPolicyAction(action string) {
	c.PolicyActions.WithLabelValues(action).Inc()
}

// Package metrics collects runtime counters/gauges for the streaming graph
// using prometheus/client_golang, exposed over HTTP by cmd/graphctl.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the runtime populates. A nil *Registry is
// valid everywhere it's consulted (all methods are nil-receiver safe) so
// tests and call sites that don't care about metrics can pass nil.
type Registry struct {
	reg *prometheus.Registry

	MixerFramesTotal      *prometheus.CounterVec
	MixerStarvationsTotal *prometheus.CounterVec
	ReplicatorForwarded   *prometheus.CounterVec
	CommandDuration       *prometheus.HistogramVec
	CommandsInFlight      prometheus.Gauge
}

// New creates a Registry with every collector registered against a fresh
// prometheus.Registry (never the global default, so multiple chains/tests
// can coexist in one process).
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		MixerFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Subsystem: "mixer",
			Name:      "frames_total",
			Help:      "Mixer output frames emitted, by output connector id.",
		}, []string{"output"}),
		MixerStarvationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Subsystem: "mixer",
			Name:      "starvations_total",
			Help:      "Starvation events emitted upstream, by input connector id.",
		}, []string{"input"}),
		ReplicatorForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamcore",
			Subsystem: "replicator",
			Name:      "forwarded_total",
			Help:      "Upstream notifications forwarded after the per-key output counter reached zero.",
		}, []string{"message"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamcore",
			Subsystem: "chain",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock time from command issue to command_completed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command", "result"}),
		CommandsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamcore",
			Subsystem: "chain",
			Name:      "commands_in_flight",
			Help:      "0 or 1: the proxy allows only one in-flight command at a time (spec §8).",
		}),
	}
	reg.MustRegister(
		m.MixerFramesTotal,
		m.MixerStarvationsTotal,
		m.ReplicatorForwarded,
		m.CommandDuration,
		m.CommandsInFlight,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Gatherer for promhttp.HandlerFor.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

func (m *Registry) mixerFrame(output string) {
	if m == nil {
		return
	}
	m.MixerFramesTotal.WithLabelValues(output).Inc()
}

func (m *Registry) mixerStarvation(input string) {
	if m == nil {
		return
	}
	m.MixerStarvationsTotal.WithLabelValues(input).Inc()
}

func (m *Registry) replicatorForwarded(message string) {
	if m == nil {
		return
	}
	m.ReplicatorForwarded.WithLabelValues(message).Inc()
}

// ObserveMixerFrame records one emitted output frame.
func (m *Registry) ObserveMixerFrame(output string) { m.mixerFrame(output) }

// ObserveMixerStarvation records one starvation notification.
func (m *Registry) ObserveMixerStarvation(input string) { m.mixerStarvation(input) }

// ObserveReplicatorForward records one upstream notification forwarded by
// the replicator after its per-key counter reached zero.
func (m *Registry) ObserveReplicatorForward(message string) { m.replicatorForwarded(message) }

// ObserveCommandDuration records command latency in the duration histogram.
// The in-flight gauge is set separately, by SetCommandsInFlight.
func (m *Registry) ObserveCommandDuration(command, result string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command, result).Observe(seconds)
}

// SetCommandsInFlight sets the proxy's in-flight-command gauge to 0 or 1.
func (m *Registry) SetCommandsInFlight(n int) {
	if m == nil {
		return
	}
	m.CommandsInFlight.Set(float64(n))
}

// Package metrics exposes the sampling loop as prometheus metrics.
package metrics

import (
	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yaca"

// Metrics implements profiler.Recorder on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles         prometheus.Counter
	frames         *prometheus.CounterVec
	captureFailed  prometheus.Counter
	resets         prometheus.Counter
	nodes          prometheus.Gauge
	links          prometheus.Gauge
	maxCalls       prometheus.Gauge
	framesAccepted prometheus.Counter
	framesFiltered prometheus.Counter
	framesRejected prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Thread dumps folded into the call graph.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Stack frames seen, by outcome.",
		}, []string{"outcome"}),
		captureFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Thread dumps that could not be taken.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_resets_total",
			Help:      "Times the call graph was cleared.",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes in the call graph, clusters included.",
		}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_links",
			Help:      "Links in the call graph, membership links included.",
		}),
		maxCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_max_calls",
			Help:      "Largest node counter since the last snapshot.",
		}),
	}
	m.framesAccepted = m.frames.WithLabelValues("accepted")
	m.framesFiltered = m.frames.WithLabelValues("filtered")
	m.framesRejected = m.frames.WithLabelValues("rejected")

	m.registry.MustRegister(m.cycles, m.frames, m.captureFailed, m.resets, m.nodes, m.links, m.maxCalls)
	return m
}

// Registry is what /metrics serves.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameAccepted() { m.framesAccepted.Inc() }
func (m *Metrics) FrameFiltered() { m.framesFiltered.Inc() }
func (m *Metrics) FrameRejected() { m.framesRejected.Inc() }
func (m *Metrics) CaptureFailed() { m.captureFailed.Inc() }

func (m *Metrics) GraphReset() {
	m.resets.Inc()
	m.nodes.Set(0)
	m.links.Set(0)
	m.maxCalls.Set(0)
}

func (m *Metrics) CycleCompleted(stats callgraph.Stats) {
	m.cycles.Inc()
	m.nodes.Set(float64(stats.Nodes))
	m.links.Set(float64(stats.Links))
	m.maxCalls.Set(float64(stats.MaxCount))
}

// Package metrics collects and exposes Prometheus metrics for the
// spawnmux daemon.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spawnmux/spawnmux/internal/events"
)

// Collector holds all spawnmux-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	ChildrenLive      prometheus.Gauge
	SpawnTotal        *prometheus.CounterVec
	ExitTotal         prometheus.Counter
	OutputBytesTotal  *prometheus.CounterVec
	RequestsRejected  prometheus.Counter
	StatusWriteErrors prometheus.Counter
	SupervisorState   *prometheus.GaugeVec
}

// New creates and registers all spawnmux metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		ChildrenLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spawnmux_children_live",
				Help: "Number of children currently registered in the child table.",
			},
		),

		SpawnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spawnmux_spawn_total",
				Help: "Total number of spawn attempts by outcome.",
			},
			[]string{"outcome"},
		),

		ExitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spawnmux_exit_total",
				Help: "Total number of children fully reported and deregistered.",
			},
		),

		OutputBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spawnmux_output_bytes_total",
				Help: "Bytes of child output forwarded, by stream.",
			},
			[]string{"stream"},
		),

		RequestsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spawnmux_requests_rejected_total",
				Help: "Total number of ill-formed frames and request bodies.",
			},
		),

		StatusWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spawnmux_status_write_errors_total",
				Help: "Status-channel write failures (output suppression latches).",
			},
		),

		SupervisorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spawnmux_supervisor_state",
				Help: "Current lifecycle state of the supervisor (1 = active).",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		c.ChildrenLive,
		c.SpawnTotal,
		c.ExitTotal,
		c.OutputBytesTotal,
		c.RequestsRejected,
		c.StatusWriteErrors,
		c.SupervisorState,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe wires the collector to the supervisor's event bus.
func (c *Collector) Observe(bus *events.Bus) {
	bus.Subscribe(events.ChildStarted, func(events.Event) {
		c.SpawnTotal.WithLabelValues("started").Inc()
		c.ChildrenLive.Inc()
	})
	bus.Subscribe(events.ChildSpawnFailed, func(events.Event) {
		c.SpawnTotal.WithLabelValues("error").Inc()
	})
	bus.Subscribe(events.ChildExited, func(events.Event) {
		c.ExitTotal.Inc()
		c.ChildrenLive.Dec()
	})
	bus.Subscribe(events.ChildOutput, func(e events.Event) {
		n, err := strconv.ParseFloat(e.Data["bytes"], 64)
		if err != nil {
			return
		}
		c.OutputBytesTotal.WithLabelValues(streamName(e.Data["stream"])).Add(n)
	})
	bus.Subscribe(events.RequestRejected, func(events.Event) {
		c.RequestsRejected.Inc()
	})
	bus.Subscribe(events.StatusWriteFailed, func(events.Event) {
		c.StatusWriteErrors.Inc()
	})
	bus.Subscribe(events.SupervisorRunning, func(events.Event) {
		c.setState("run")
	})
	bus.Subscribe(events.SupervisorDraining, func(events.Event) {
		c.setState("drain")
	})
	bus.Subscribe(events.SupervisorKilling, func(events.Event) {
		c.setState("hard_drain")
	})
	bus.Subscribe(events.SupervisorStopped, func(events.Event) {
		c.setState("stopped")
	})
}

func (c *Collector) setState(state string) {
	for _, s := range []string{"run", "drain", "hard_drain", "stopped"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.SupervisorState.WithLabelValues(s).Set(v)
	}
}

func streamName(v string) string {
	switch v {
	case "1":
		return "stdout"
	case "2":
		return "stderr"
	default:
		return "unknown"
	}
}

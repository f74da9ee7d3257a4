// Package metrics holds the registry helpers shared by cmd/marquee and the
// runtime collectors. Component collectors (scheduler, cache, alerts) are
// registered by each component's WithMetrics option.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a new Prometheus registry with the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterBuildInfo registers marquee_build_info on reg, reporting version
// as a constant 1.
func RegisterBuildInfo(reg prometheus.Registerer, version string) {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marquee_build_info",
		Help: "Build information",
	}, []string{"version"})
	reg.MustRegister(info)
	info.WithLabelValues(version).Set(1)
}

// Runtime holds the collectors owned by one runtime. A nil *Runtime
// records nothing.
type Runtime struct {
	activeSubjects  prometheus.Gauge
	maintenanceRuns *prometheus.CounterVec
}

// NewRuntime builds the runtime collectors and registers them on reg.
func NewRuntime(reg prometheus.Registerer) *Runtime {
	m := &Runtime{
		activeSubjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marquee_active_subjects",
			Help: "Subjects seen within the activity window",
		}),
		maintenanceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marquee_maintenance_runs_total",
			Help: "Total number of maintenance job runs by outcome",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(m.activeSubjects, m.maintenanceRuns)
	return m
}

// SetActiveSubjects records the last activity count.
func (m *Runtime) SetActiveSubjects(n int64) {
	if m == nil {
		return
	}
	m.activeSubjects.Set(float64(n))
}

// MaintenanceRun counts one job run; outcome is ran, skipped or failed.
func (m *Runtime) MaintenanceRun(job, outcome string) {
	if m == nil {
		return
	}
	m.maintenanceRuns.WithLabelValues(job, outcome).Inc()
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

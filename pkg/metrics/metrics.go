// Package metrics wraps a local Prometheus registry for the run (spec
// §4.8 "metrics" sink): never the global default registry, so repeated
// in-process runs never collide on metric registration.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/expfmt"
)

// Recorder tracks the run's pipeline counters and exposes them as
// Prometheus text exposition format.
type Recorder struct {
	registry *prometheus.Registry

	ReadingsIngested prometheus.Counter
	EventsEmitted    prometheus.Counter
	TasksApproved    prometheus.Counter
	TasksPending     prometheus.Counter
	TasksRiskHeld    prometheus.Counter
	GuardrailDrops   *prometheus.CounterVec
	ExportFailures   *prometheus.CounterVec
}

// NewRecorder builds a Recorder registered against a fresh local registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_readings_ingested_total",
			Help: "Total sensor readings ingested this run.",
		}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_events_emitted_total",
			Help: "Total events emitted by the rule engine.",
		}),
		TasksApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tasks_approved_total",
			Help: "Total task recommendations approved.",
		}),
		TasksPending: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tasks_pending_total",
			Help: "Total task recommendations awaiting approval.",
		}),
		TasksRiskHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_tasks_risk_held_total",
			Help: "Total task recommendations rolled back to risk_hold.",
		}),
		GuardrailDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_guardrail_drops_total",
			Help: "Total tasks dropped by a guardrail cap, by rule.",
		}, []string{"rule"}),
		ExportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_export_failures_total",
			Help: "Total export sink failures, by sink.",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		r.ReadingsIngested, r.EventsEmitted, r.TasksApproved, r.TasksPending,
		r.TasksRiskHeld, r.GuardrailDrops, r.ExportFailures,
	)
	return r
}

// Render produces the Prometheus text exposition format for all registered
// metrics (spec §4.8's "metrics.prom").
func (r *Recorder) Render() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

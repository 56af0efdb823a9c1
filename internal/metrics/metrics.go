// Package metrics exposes Prometheus counters and gauges for scrape,
// adapted directly from the teacher's cmd/runner/metrics.go (counter/gauge
// vectors registered at init, queried back via GetCounterValue/
// GetGaugeValue in its own tests) with the labels swapped from
// queue/project/experiment to suite/test/status.
package metrics

import (
	"github.com/jjeffery/kv" // MIT License
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	TestsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runltp_tests_run",
			Help: "Number of tests run, partitioned by outcome status.",
		},
		[]string{"host", "suite", "status"},
	)

	WorkerOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runltp_worker_occupancy",
			Help: "Number of worker-pool permits currently held.",
		},
		[]string{"host", "suite"},
	)

	LTXSlotsLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runltp_ltx_slots_live",
			Help: "Number of LTX command slots currently occupied.",
		},
		[]string{"host"},
	)

	SUTRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runltp_sut_restarts",
			Help: "Number of SUT restarts triggered by kernel-class errors.",
		},
		[]string{"host", "suite"},
	)
)

func init() {
	prometheus.MustRegister(TestsRun)
	prometheus.MustRegister(WorkerOccupancy)
	prometheus.MustRegister(LTXSlotsLive)
	prometheus.MustRegister(SUTRestarts)
}

// GetCounterValue reads back a counter's current value, used by tests the
// same way the teacher's cmd/runner/metrics_test.go exercises its own
// vectors.
func GetCounterValue(metric *prometheus.CounterVec, labels prometheus.Labels) (val float64, err kv.Error) {
	m := &dto.Metric{}
	if errGo := metric.With(labels).Write(m); errGo != nil {
		return 0, kv.Wrap(errGo)
	}
	return m.Counter.GetValue(), nil
}

// GetGaugeValue reads back a gauge's current value.
func GetGaugeValue(metric *prometheus.GaugeVec, labels prometheus.Labels) (val float64, err kv.Error) {
	m := &dto.Metric{}
	if errGo := metric.With(labels).Write(m); errGo != nil {
		return 0, kv.Wrap(errGo)
	}
	return m.Gauge.GetValue(), nil
}

// Package metrics provides application-level counters using stdlib expvar.
// Counters are exported on the /debug/vars endpoint of the HTTP API and, in
// Prometheus text format, on /metrics.
package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Operation counters.
var (
	IngestTotal        = expvar.NewInt("tabsynth_ingest_total")
	TrainTotal         = expvar.NewInt("tabsynth_train_total")
	TrainFailedTotal   = expvar.NewInt("tabsynth_train_failed_total")
	GenerateTotal      = expvar.NewInt("tabsynth_generate_total")
	RowsGeneratedTotal = expvar.NewInt("tabsynth_rows_generated_total")
	BusyRejectedTotal  = expvar.NewInt("tabsynth_busy_rejected_total")
)

var help = map[string]string{
	"tabsynth_ingest_total":         "Datasets ingested.",
	"tabsynth_train_total":          "Training runs that produced a model.",
	"tabsynth_train_failed_total":   "Training runs that failed.",
	"tabsynth_generate_total":       "Generation requests that wrote an output file.",
	"tabsynth_rows_generated_total": "Synthetic rows written.",
	"tabsynth_busy_rejected_total":  "Jobs rejected because another job held the lock.",
}

// Inc increments the given counter by 1.
func Inc(counter *expvar.Int) { counter.Add(1) }

// Add increments the given counter by n.
func Add(counter *expvar.Int, n int) { counter.Add(int64(n)) }

// Registry returns a Prometheus registry that reads the expvar counters on
// every scrape.
func Registry() *prometheus.Registry {
	exports := make(map[string]*prometheus.Desc, len(help))
	for name, text := range help {
		exports[name] = prometheus.NewDesc(name, text, nil, nil)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewExpvarCollector(exports))
	return reg
}

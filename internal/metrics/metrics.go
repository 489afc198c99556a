// Package metrics exports the outcome of a provisioning run in the Prometheus
// textfile-collector format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run collects the metrics of a single provisioning run. The zero value is
// not usable; call New.
type Run struct {
	reg *prometheus.Registry

	success     prometheus.Gauge
	finished    prometheus.Gauge
	stepSeconds *prometheus.GaugeVec
	failedStep  *prometheus.GaugeVec
	bytes       *prometheus.GaugeVec
	walFiles    *prometheus.GaugeVec
}

// New registers the run metrics; target labels every series with the replica
// data directory.
func New(target string) *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"target": target}

	return &Run{
		reg: reg,
		success: f.NewGauge(prometheus.GaugeOpts{
			Name:        "pgstandby_last_run_success",
			Help:        "1 if the last provisioning run succeeded, 0 otherwise",
			ConstLabels: labels,
		}),
		finished: f.NewGauge(prometheus.GaugeOpts{
			Name:        "pgstandby_last_run_timestamp_seconds",
			Help:        "Unix time the last provisioning run finished",
			ConstLabels: labels,
		}),
		stepSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pgstandby_step_duration_seconds",
			Help:        "Wall time spent in each provisioning step",
			ConstLabels: labels,
		}, []string{"step"}),
		failedStep: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pgstandby_step_failed",
			Help:        "1 for the step that aborted the run",
			ConstLabels: labels,
		}, []string{"step"}),
		bytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pgstandby_transfer_bytes",
			Help:        "Bytes moved by the base backup pipeline",
			ConstLabels: labels,
		}, []string{"kind"}),
		walFiles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pgstandby_wal_files",
			Help:        "WAL files handled during reconciliation",
			ConstLabels: labels,
		}, []string{"action"}),
	}
}

// ObserveStep records how long step took and whether it failed.
func (r *Run) ObserveStep(step string, d time.Duration, err error) {
	r.stepSeconds.WithLabelValues(step).Set(d.Seconds())
	if err != nil {
		r.failedStep.WithLabelValues(step).Set(1)
	}
}

// SetTransfer records compressed (wire) and unpacked byte counts.
func (r *Run) SetTransfer(compressed, unpacked int64) {
	r.bytes.WithLabelValues("compressed").Set(float64(compressed))
	r.bytes.WithLabelValues("unpacked").Set(float64(unpacked))
}

// SetWAL records how many segments were moved and how many partial ones dropped.
func (r *Run) SetWAL(moved, discarded int) {
	r.walFiles.WithLabelValues("moved").Set(float64(moved))
	r.walFiles.WithLabelValues("discarded").Set(float64(discarded))
}

// Finish stamps the final outcome.
func (r *Run) Finish(err error, at time.Time) {
	if err == nil {
		r.success.Set(1)
	} else {
		r.success.Set(0)
	}
	r.finished.Set(float64(at.Unix()))
}

// Registry exposes the underlying registry (tests, custom exporters).
func (r *Run) Registry() *prometheus.Registry { return r.reg }

// WriteFile atomically writes all metrics to path.
func (r *Run) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

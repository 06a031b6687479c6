// Package metrics exposes Prometheus collectors for fleet operations.
// Every helper is a no-op until Init has run.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pfcoder/lcd-core/internal/miner"
)

const (
	metricPrefix = "lcd_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	deviceOps     *prometheus.CounterVec
	deviceLatency *prometheus.HistogramVec

	batchRuns     *prometheus.CounterVec
	batchFailures *prometheus.CounterVec
	batchLatency  *prometheus.HistogramVec

	alertsSent    *prometheus.CounterVec
	recordsStored *prometheus.CounterVec
	switchProfile *prometheus.GaugeVec
)

// Init registers the collectors with reg, or the default registerer when
// reg is nil.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		deviceOps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_operations_total",
				Help: "Device operations by operation and result kind",
			},
			[]string{"op", "result"},
		)
		deviceLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "device_operation_seconds",
				Help:    "Device operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		)

		batchRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_runs_total",
				Help: "Batch operations executed",
			},
			[]string{"op"},
		)
		batchFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_device_failures_total",
				Help: "Devices that failed inside a batch",
			},
			[]string{"op"},
		)
		batchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "batch_seconds",
				Help:    "Batch wall-clock duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		)

		alertsSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Unreachable-device alerts by delivery result",
			},
			[]string{"result"},
		)
		recordsStored = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "records_stored_total",
				Help: "Telemetry records handed to the record sink",
			},
			[]string{"result"},
		)
		switchProfile = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "switch_active_profile",
				Help: "1 for the account profile selected by the last switch run",
			},
			[]string{"profile", "perf"},
		)

		reg.MustRegister(
			deviceOps,
			deviceLatency,
			batchRuns,
			batchFailures,
			batchLatency,
			alertsSent,
			recordsStored,
			switchProfile,
		)
	})
}

// ResultKind maps an operation error onto a low-cardinality label.
func ResultKind(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, miner.ErrTransportTimeout):
		return "timeout"
	case errors.Is(err, miner.ErrProtocolParse):
		return "parse"
	case errors.Is(err, miner.ErrAuth):
		return "auth"
	case errors.Is(err, miner.ErrVendorNotSupported), errors.Is(err, miner.ErrNotImplemented):
		return "unsupported"
	case errors.Is(err, miner.ErrPing):
		return "unreachable"
	case errors.Is(err, miner.ErrTaskJoin):
		return "task"
	default:
		return resultError
	}
}

// ObserveDevice records one per-device operation.
func ObserveDevice(op string, err error, duration time.Duration) {
	if deviceOps != nil {
		deviceOps.WithLabelValues(op, ResultKind(err)).Inc()
	}
	if deviceLatency != nil {
		deviceLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// ObserveBatch records a finished batch.
func ObserveBatch(op string, failed int, duration time.Duration) {
	if batchRuns != nil {
		batchRuns.WithLabelValues(op).Inc()
	}
	if batchFailures != nil && failed > 0 {
		batchFailures.WithLabelValues(op).Add(float64(failed))
	}
	if batchLatency != nil {
		batchLatency.WithLabelValues(op).Observe(duration.Seconds())
	}
}

// IncAlert counts an alert delivery attempt.
func IncAlert(err error) {
	if alertsSent == nil {
		return
	}
	if err != nil {
		alertsSent.WithLabelValues(resultError).Inc()
		return
	}
	alertsSent.WithLabelValues(resultSuccess).Inc()
}

// IncRecordStored counts a record sink write.
func IncRecordStored(err error) {
	if recordsStored == nil {
		return
	}
	if err != nil {
		recordsStored.WithLabelValues(resultError).Inc()
		return
	}
	recordsStored.WithLabelValues(resultSuccess).Inc()
}

// SetActiveProfile marks the profile and perf mode chosen by the last
// switch run.
func SetActiveProfile(profile string, perf miner.RunMode) {
	if switchProfile == nil {
		return
	}
	switchProfile.Reset()
	switchProfile.WithLabelValues(profile, string(perf)).Set(1)
}

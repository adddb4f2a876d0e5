// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the admission queue.
type Metrics struct {
	QueueDepth    prometheus.Gauge
	Running       prometheus.Gauge
	Admissions    prometheus.Counter
	Cancellations *prometheus.CounterVec
	QueueWait     prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "algoworker",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a free execution slot.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "algoworker",
			Subsystem: "scheduler",
			Name:      "running_tasks",
			Help:      "Tasks currently holding an execution slot.",
		}),
		Admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "algoworker",
			Subsystem: "scheduler",
			Name:      "admissions_total",
			Help:      "Total tasks handed to the executor.",
		}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "algoworker",
			Subsystem: "scheduler",
			Name:      "cancellations_total",
			Help:      "Total cancellation requests, by the stage the task was in.",
		}, []string{"stage"}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "algoworker",
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time a task spent queued before admission.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900},
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.Running,
		m.Admissions,
		m.Cancellations,
		m.QueueWait,
	)

	return m
}

func (m *Metrics) observe(queued, running int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(queued))
	m.Running.Set(float64(running))
}

func (m *Metrics) admitted(waitSeconds float64) {
	if m == nil {
		return
	}
	m.Admissions.Inc()
	m.QueueWait.Observe(waitSeconds)
}

func (m *Metrics) cancelled(stage string) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(stage).Inc()
}

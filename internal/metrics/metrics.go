// Copyright 2025 kvfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for filesystem
// operations and metadata integrity warnings.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
// Callers that do not want metrics pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kvfs collectors.
type Metrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	integrityWarnings *prometheus.CounterVec
	orphanedInodes    prometheus.Counter
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
}

// New registers the kvfs collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvfs_operations_total",
				Help: "Total number of filesystem operations by operation and status",
			},
			[]string{"op", "status"}, // status: "ok", "error"
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "kvfs_operation_duration_milliseconds",
				Help: "Duration of filesystem operations in milliseconds",
				Buckets: []float64{
					0.1, // cached backend round trip
					0.5,
					1,
					5,
					10,
					50,
					100,
					500,
					1000,
				},
			},
			[]string{"op"},
		),
		integrityWarnings: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvfs_integrity_warnings_total",
				Help: "Secondary metadata updates that failed after the primary effect succeeded",
			},
			[]string{"op"},
		),
		orphanedInodes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "kvfs_orphaned_inodes_total",
				Help: "Inodes left without a directory entry by rename overwrites",
			},
		),
		bytesRead: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "kvfs_read_bytes_total",
				Help: "Total bytes returned by read operations",
			},
		),
		bytesWritten: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "kvfs_written_bytes_total",
				Help: "Total bytes accepted by write operations",
			},
		),
	}
}

// ObserveOperation records the outcome and latency of one operation.
func (m *Metrics) ObserveOperation(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.operationDuration.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
}

// IntegrityWarning counts a failed best-effort metadata update.
func (m *Metrics) IntegrityWarning(op string) {
	if m == nil {
		return
	}
	m.integrityWarnings.WithLabelValues(op).Inc()
}

// OrphanedInode counts an inode displaced by a rename.
func (m *Metrics) OrphanedInode() {
	if m == nil {
		return
	}
	m.orphanedInodes.Inc()
}

func (m *Metrics) AddBytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) AddBytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

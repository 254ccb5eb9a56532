// Copyright 2025 Tom Barlow
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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_run_transitions_total",
			Help: "Total run status transitions by origin and destination status",
		},
		[]string{"from", "to"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Wall-clock time from run creation to a terminal status, by kind and destination status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"kind", "status"},
	)
)

// RecordRunTransition increments the transition counter for a single
// ledger status change (§4.2's state machine edges).
func RecordRunTransition(from, to string) {
	runTransitions.WithLabelValues(from, to).Inc()
}

// RecordRunDuration observes the elapsed time between a run's creation
// and a terminal status. kind is the WorkSpec kind (task, operation,
// workflow, ...).
func RecordRunDuration(kind, status string, elapsed time.Duration) {
	runDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
}

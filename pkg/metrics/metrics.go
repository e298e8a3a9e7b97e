/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	Namespace = "outpost"

	AgentLabel   = "agent"
	StatusLabel  = "status"
	StateLabel   = "state"
	OutcomeLabel = "outcome"
	KindLabel    = "kind"
)

// Registry is the process-wide metrics registry. Packages register their
// collectors in init(); the metrics endpoint serves this registry only.
var Registry = prometheus.NewRegistry()

var (
	DispatchesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatches",
			Name:      "created_total",
			Help:      "Number of dispatch records created, labeled by agent.",
		},
		[]string{AgentLabel},
	)
	DispatchesTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatches",
			Name:      "terminal_total",
			Help:      "Number of dispatches reaching a terminal status, labeled by agent and status.",
		},
		[]string{AgentLabel, StatusLabel},
	)
	AcquisitionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "acquisition_total",
			Help:      "Warm pool acquisition outcomes (warm, cold, unavailable).",
		},
		[]string{AgentLabel, OutcomeLabel},
	)
	PoolSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "slots",
			Help:      "Current warm pool slots, labeled by agent and state.",
		},
		[]string{AgentLabel, StateLabel},
	)
	HealthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "health_check_failures_total",
			Help:      "Warm workers released because the runtime stopped confirming them.",
		},
		[]string{AgentLabel},
	)
	StaleVersionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "stale_version_retries_total",
			Help:      "Number of conditional writes retried after losing a version race.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DispatchesCreated,
		DispatchesTerminal,
		AcquisitionOutcomes,
		PoolSlots,
		HealthCheckFailures,
		StaleVersionRetries,
	)
}

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

package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpost-run/outpost/pkg/metrics"
)

const (
	subsystemName = "sweeper"

	outcomeReplayed = "event_replayed"
	outcomeLost     = "runtime_lost"
	outcomeStopped  = "worker_stopped"
)

var (
	sweptDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystemName,
			Name:      "swept_dispatches_total",
			Help:      "Number of overdue dispatches the sweeper acted on, labeled by what it did.",
		},
		[]string{metrics.OutcomeLabel},
	)
	orphanedWorkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystemName,
			Name:      "orphaned_workers_total",
			Help:      "Number of live workers stopped because no dispatch or pool slot claimed them.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(sweptDispatches, orphanedWorkers)
}

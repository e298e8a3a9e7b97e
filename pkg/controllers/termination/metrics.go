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

package termination

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpost-run/outpost/pkg/metrics"
)

const (
	subsystemName    = "termination"
	messageKindLabel = "message_kind"
)

var (
	receivedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystemName,
			Name:      "received_messages",
			Help:      "Count of messages received from the termination queue. Broken down by message kind.",
		},
		[]string{messageKindLabel},
	)
	deletedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystemName,
			Name:      "deleted_messages",
			Help:      "Count of messages deleted from the termination queue.",
		},
	)
	messageLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: subsystemName,
			Name:      "message_latency_time_seconds",
			Help:      "Length of time between a message entering the queue and its processing.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(receivedMessages, deletedMessages, messageLatency)
}

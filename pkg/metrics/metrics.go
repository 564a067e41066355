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
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metering"

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Usage events accepted by the ingest endpoints.",
	}, []string{"event_type"})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_runs_total",
		Help:      "Scheduler passes by source.",
	}, []string{"source"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_jobs_processed_total",
		Help:      "Aggregation worker outcomes.",
	}, []string{"result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery outcomes.",
	}, []string{"result"})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_duration_seconds",
		Help:      "Wall time spent computing one aggregation job.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

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

// Package aggregation executes one pending aggregation job per queue message:
// lock, reduce, upsert, enqueue webhooks, unlock, delete the job row.
// Per-id serialization comes from the lock; retry safety comes from the
// deterministic id and the existence checks.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/metrics"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operators"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/jobs"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/lock"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/queue"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
)

type Worker struct {
	settings     settings.Settings
	events       events.Provider
	aggregations aggregations.Provider
	jobs         jobs.Board
	locks        lock.Provider
	queue        queue.Provider
	clk          clock.Clock
}

func NewWorker(s settings.Settings, eventsProvider events.Provider, aggregationsProvider aggregations.Provider,
	board jobs.Board, locks lock.Provider, queueProvider queue.Provider, clk clock.Clock) *Worker {
	return &Worker{
		settings:     s,
		events:       eventsProvider,
		aggregations: aggregationsProvider,
		jobs:         board,
		locks:        locks,
		queue:        queueProvider,
		clk:          clk,
	}
}

// Handle consumes one process-aggregation-job message. A returned error
// leaves the job row in place and the lock to its TTL, and surfaces a failure
// to the queue for redelivery.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	started := time.Now()
	job := metering.PendingAggJob{}
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		// malformed payloads would never succeed on retry
		logging.FromContext(ctx).Errorf("unmarshalling aggregation job, dropping, %v", err)
		metrics.JobsProcessed.WithLabelValues("malformed").Inc()
		return nil
	}
	log := logging.FromContext(ctx).With("aggregation-id", job.ID, "customer", job.CustomerID, "period", job.PeriodType)
	ctx = logging.WithLogger(ctx, log)

	lockKey := metering.LockKey(job.ID)
	acquired, err := w.locks.Acquire(ctx, lockKey, lock.TTL)
	if err != nil {
		return fmt.Errorf("acquiring lock, %w", err)
	}
	if !acquired {
		log.Infof("another worker holds the lock, skipping")
		metrics.JobsProcessed.WithLabelValues("skipped_locked").Inc()
		return nil
	}

	now := w.clk.Now().UTC()
	if !now.Before(job.PeriodEnd) {
		if _, err := w.aggregations.FindByID(ctx, job.ID); err == nil {
			log.Debugf("period complete and aggregation already exists, skipping")
			w.release(ctx, lockKey)
			metrics.JobsProcessed.WithLabelValues("skipped_final").Inc()
			return w.jobs.Delete(ctx, job.ID)
		} else if !errors.Is(err, aggregations.ErrNotFound) {
			return fmt.Errorf("probing aggregation, %w", err)
		}
	}

	eventValues, eventCounts := w.reduceAll(ctx, job)
	if len(eventValues) == 0 {
		// deleting the row anyway avoids endless re-enqueue of empty work
		log.Debugf("no data for any configured event type")
		w.release(ctx, lockKey)
		metrics.JobsProcessed.WithLabelValues("empty").Inc()
		return w.jobs.Delete(ctx, job.ID)
	}

	inserted := false
	if _, err := w.aggregations.FindByID(ctx, job.ID); errors.Is(err, aggregations.ErrNotFound) {
		if err := w.aggregations.Insert(ctx, metering.Aggregation{
			ID:            job.ID,
			CustomerID:    job.CustomerID,
			Period:        job.PeriodType,
			PeriodStart:   job.PeriodStart,
			PeriodEnd:     job.PeriodEnd,
			PeriodKey:     job.PeriodKey,
			Timestamp:     now,
			Events:        eventValues,
			EventCounts:   eventCounts,
			WebhookStatus: metering.WebhookStatus{Delivered: false, Attempts: 0},
		}); err != nil {
			return fmt.Errorf("inserting aggregation, %w", err)
		}
		inserted = true
	} else if err == nil {
		if err := w.aggregations.Update(ctx, job.ID, eventValues, eventCounts, now); err != nil {
			return fmt.Errorf("updating aggregation, %w", err)
		}
	} else {
		return fmt.Errorf("probing aggregation, %w", err)
	}

	if inserted && now.After(job.PeriodEnd) {
		if err := w.enqueueWebhooks(ctx, job); err != nil {
			return err
		}
	}

	w.release(ctx, lockKey)
	if err := w.jobs.Delete(ctx, job.ID); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	metrics.AggregationDuration.Observe(time.Since(started).Seconds())
	return nil
}

// reduceAll runs every configured (eventType, op) pair against the job's
// period. A failure on one event type omits that type and continues; it never
// fails the aggregation.
func (w *Worker) reduceAll(ctx context.Context, job metering.PendingAggJob) (map[string]float64, map[string]int64) {
	log := logging.FromContext(ctx)
	eventValues := map[string]float64{}
	eventCounts := map[string]int64{}
	field, err := job.PeriodType.Field()
	if err != nil {
		log.Errorf("resolving period field, %v", err)
		return eventValues, eventCounts
	}
	eventTypes := lo.Keys(w.settings.Events)
	sort.Strings(eventTypes)
	for _, eventType := range eventTypes {
		op := w.settings.Events[eventType].Op
		matched, err := w.events.QueryForAggregation(ctx, job.CustomerID, eventType, field, job.PeriodKey, op)
		if err != nil {
			log.Errorf("querying events for type %q, omitting, %v", eventType, err)
			continue
		}
		result, ok, err := operators.Reduce(op, matched)
		if err != nil {
			log.Errorf("reducing events for type %q, omitting, %v", eventType, err)
			continue
		}
		if !ok {
			continue
		}
		eventValues[eventType] = result.Value
		eventCounts[eventType] = result.Count
	}
	return eventValues, eventCounts
}

func (w *Worker) enqueueWebhooks(ctx context.Context, job metering.PendingAggJob) error {
	var errs error
	for _, hook := range w.settings.EnabledWebhooks() {
		if _, err := w.queue.Publish(ctx, metering.QueueDeliverWebhook, metering.WebhookDelivery{
			AggregationID: job.ID,
			WebhookURL:    hook.URL,
			WebhookSecret: hook.Secret,
			CustomerID:    job.CustomerID,
			Period:        job.PeriodType,
		}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("enqueueing webhook delivery to %q, %w", hook.URL, err))
		}
	}
	return errs
}

func (w *Worker) release(ctx context.Context, lockKey string) {
	if err := w.locks.Release(ctx, lockKey); err != nil {
		logging.FromContext(ctx).Warnf("releasing lock, %v", err)
	}
}

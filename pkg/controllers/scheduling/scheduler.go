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

// Package scheduling discovers (customer, period) tuples that need
// aggregation work, writes pending job rows, and bulk-enqueues them. It never
// computes aggregations itself; that is the worker's job. Deterministic job
// ids make every pass idempotent.
package scheduling

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/metrics"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/jobs"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/timeindex"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
)

// ErrNoPeriodsConfigured is returned by the manual trigger when the settings
// enable no periods; the HTTP layer maps it to 503.
var ErrNoPeriodsConfigured = errors.New("no aggregation periods configured")

// TriggerResult is the acknowledgement body of the manual trigger.
type TriggerResult struct {
	JobsCreated       int   `json:"jobsCreated"`
	JobsUpdated       int   `json:"jobsUpdated"`
	JobsQueued        int   `json:"jobsQueued"`
	CustomersFound    int   `json:"customersFound"`
	PeriodsConfigured int   `json:"periodsConfigured"`
	EventsScanned     int64 `json:"eventsScanned"`
}

type Scheduler struct {
	settings     settings.Settings
	events       events.Provider
	aggregations aggregations.Provider
	jobs         jobs.Board
	clk          clock.Clock
}

func NewScheduler(s settings.Settings, eventsProvider events.Provider, aggregationsProvider aggregations.Provider, board jobs.Board, clk clock.Clock) *Scheduler {
	return &Scheduler{
		settings:     s,
		events:       eventsProvider,
		aggregations: aggregationsProvider,
		jobs:         board,
		clk:          clk,
	}
}

// RunCron closes the immediately-prior period for every enabled period type.
// It skips period types with no events at all and customers whose aggregation
// already exists, so a quiet system does no work.
func (s *Scheduler) RunCron(ctx context.Context) error {
	log := logging.FromContext(ctx).With("source", metering.SourceCron)
	metrics.SchedulerRuns.WithLabelValues(string(metering.SourceCron)).Inc()
	if len(s.settings.Periods) == 0 {
		log.Infof("no periods configured, skipping scheduler pass")
		return nil
	}
	customers, err := s.events.ScanCustomers(ctx)
	if err != nil {
		return fmt.Errorf("scanning customers, %w", err)
	}
	now := s.clk.Now().UTC()
	created, updated := 0, 0
	for _, periodType := range s.settings.Periods {
		start, end, key, err := timeindex.PreviousCompletedPeriodBounds(periodType, now)
		if err != nil {
			log.Errorf("computing previous period bounds, %v", err)
			continue
		}
		field, err := periodType.Field()
		if err != nil {
			log.Errorf("resolving period field, %v", err)
			continue
		}
		any, err := s.events.AnyInPeriod(ctx, field, key)
		if err != nil {
			return fmt.Errorf("probing period %s=%s, %w", field, key, err)
		}
		if !any {
			continue
		}
		for _, customer := range customers {
			id := metering.AggregationID(customer, periodType, key)
			if _, err := s.aggregations.FindByID(ctx, id); err == nil {
				// already finalized
				continue
			} else if !errors.Is(err, aggregations.ErrNotFound) {
				return fmt.Errorf("probing aggregation %q, %w", id, err)
			}
			wasCreated, err := s.jobs.UpsertPending(ctx, metering.PendingAggJob{
				ID:          id,
				CustomerID:  customer,
				PeriodType:  periodType,
				PeriodKey:   key,
				PeriodStart: start,
				PeriodEnd:   end,
				Source:      metering.SourceCron,
			})
			if err != nil {
				return fmt.Errorf("upserting job %q, %w", id, err)
			}
			if wasCreated {
				created++
			} else {
				updated++
			}
		}
	}
	queued, err := s.enqueue(ctx)
	if err != nil {
		return err
	}
	log.Infof("scheduler pass complete, created %d, refreshed %d, queued %d jobs for %d customers", created, updated, queued, len(customers))
	return nil
}

// RunTrigger enqueues work for the *current* period bounds of every enabled
// period type, so dashboards can see incomplete-period aggregates. It does
// not close freshly-completed periods; that remains the cron's job.
func (s *Scheduler) RunTrigger(ctx context.Context) (TriggerResult, error) {
	log := logging.FromContext(ctx).With("source", metering.SourceTrigger)
	metrics.SchedulerRuns.WithLabelValues(string(metering.SourceTrigger)).Inc()
	if len(s.settings.Periods) == 0 {
		return TriggerResult{}, ErrNoPeriodsConfigured
	}
	customers, err := s.events.ScanCustomers(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("scanning customers, %w", err)
	}
	scanned, err := s.events.Count(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("counting events, %w", err)
	}
	now := s.clk.Now().UTC()
	result := TriggerResult{
		CustomersFound:    len(customers),
		PeriodsConfigured: len(s.settings.Periods),
		EventsScanned:     scanned,
	}
	for _, periodType := range s.settings.Periods {
		start, end, key, err := timeindex.CurrentPeriodBounds(periodType, now)
		if err != nil {
			log.Errorf("computing current period bounds, %v", err)
			continue
		}
		for _, customer := range customers {
			id := metering.AggregationID(customer, periodType, key)
			wasCreated, err := s.jobs.UpsertPending(ctx, metering.PendingAggJob{
				ID:          id,
				CustomerID:  customer,
				PeriodType:  periodType,
				PeriodKey:   key,
				PeriodStart: start,
				PeriodEnd:   end,
				Source:      metering.SourceTrigger,
			})
			if err != nil {
				return result, fmt.Errorf("upserting job %q, %w", id, err)
			}
			if wasCreated {
				result.JobsCreated++
			} else {
				result.JobsUpdated++
			}
		}
	}
	queued, err := s.enqueue(ctx)
	if err != nil {
		return result, err
	}
	result.JobsQueued = queued
	log.Infof("trigger pass complete, created %d, refreshed %d, queued %d jobs for %d customers", result.JobsCreated, result.JobsUpdated, queued, len(customers))
	return result, nil
}

func (s *Scheduler) enqueue(ctx context.Context) (int, error) {
	queued, err := s.jobs.BulkEnqueuePending(ctx, metering.QueueProcessAggregationJob)
	if err != nil {
		return 0, fmt.Errorf("bulk-enqueueing pending jobs, %w", err)
	}
	if _, err := s.jobs.MarkQueued(ctx); err != nil {
		return queued, fmt.Errorf("marking jobs queued, %w", err)
	}
	return queued, nil
}

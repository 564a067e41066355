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

package test

import (
	"time"

	"github.com/google/uuid"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operators"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/timeindex"
)

// Event builds a stored usage event with its period keys derived from
// receivedAt, the way the ingest path would.
func Event(customerID, eventType string, value float64, receivedAt time.Time) metering.Event {
	receivedAt = receivedAt.UTC()
	keys := timeindex.PeriodKeys(receivedAt)
	return metering.Event{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		EventType:  eventType,
		Value:      value,
		ReceivedAt: receivedAt,
		Minute:     keys.Minute,
		Hour:       keys.Hour,
		Day:        keys.Day,
		Week:       keys.Week,
		Month:      keys.Month,
		Year:       keys.Year,
	}
}

// Settings returns a baseline configuration covering every operator; suites
// override fields as needed.
func Settings(overrides ...func(*settings.Settings)) settings.Settings {
	s := settings.Settings{
		Periods: []metering.PeriodType{metering.Daily},
		Events: map[string]settings.EventConfig{
			"api.calls":        {Op: operators.Sum},
			"response.time.ms": {Op: operators.Avg},
			"test.first":       {Op: operators.First},
			"test.last":        {Op: operators.Last},
		},
	}
	for _, override := range overrides {
		override(&s)
	}
	return s
}

// PendingJob builds a job row for the period of the given type containing
// (or, for completed periods, preceding) now.
func PendingJob(customerID string, periodType metering.PeriodType, now time.Time, completed bool) metering.PendingAggJob {
	bounds := timeindex.CurrentPeriodBounds
	if completed {
		bounds = timeindex.PreviousCompletedPeriodBounds
	}
	start, end, key, err := bounds(periodType, now)
	if err != nil {
		panic(err)
	}
	return metering.PendingAggJob{
		ID:          metering.AggregationID(customerID, periodType, key),
		CustomerID:  customerID,
		PeriodType:  periodType,
		PeriodKey:   key,
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      metering.JobPending,
		Source:      metering.SourceTrigger,
	}
}

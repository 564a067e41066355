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

package metering

import (
	"fmt"
	"time"
)

// PeriodType identifies one of the five aggregation granularities.
type PeriodType string

const (
	Hourly  PeriodType = "hourly"
	Daily   PeriodType = "daily"
	Weekly  PeriodType = "weekly"
	Monthly PeriodType = "monthly"
	Yearly  PeriodType = "yearly"
)

// PeriodTypes lists every known period type in ascending granularity order.
var PeriodTypes = []PeriodType{Hourly, Daily, Weekly, Monthly, Yearly}

// Field returns the event document field holding the period key for this period type.
func (p PeriodType) Field() (string, error) {
	switch p {
	case Hourly:
		return "hour", nil
	case Daily:
		return "day", nil
	case Weekly:
		return "week", nil
	case Monthly:
		return "month", nil
	case Yearly:
		return "year", nil
	}
	return "", fmt.Errorf("unknown period type %q", p)
}

// Event is an immutable usage record. The six period keys are computed once at
// ingest so that aggregation queries are straight index lookups.
type Event struct {
	ID         string         `json:"_id"`
	CustomerID string         `json:"customerId"`
	EventType  string         `json:"eventType"`
	Value      float64        `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Minute     string         `json:"minute"`
	Hour       string         `json:"hour"`
	Day        string         `json:"day"`
	Week       string         `json:"week"`
	Month      string         `json:"month"`
	Year       string         `json:"year"`
}

// WebhookStatus records the delivery outcome for a completed aggregation. It
// lives inside the aggregation document so that delivery state is observable
// through the same query surface as the aggregation itself.
type WebhookStatus struct {
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	Attempts      int64      `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	DryRun        bool       `json:"dryRun,omitempty"`
}

// Aggregation is the reduction of one customer's events over one period.
// PeriodEnd is inclusive at the .999 millisecond.
type Aggregation struct {
	ID            string             `json:"_id"`
	CustomerID    string             `json:"customerId"`
	Period        PeriodType         `json:"period"`
	PeriodStart   time.Time          `json:"periodStart"`
	PeriodEnd     time.Time          `json:"periodEnd"`
	PeriodKey     string             `json:"periodKey"`
	Timestamp     time.Time          `json:"timestamp"`
	Events        map[string]float64 `json:"events"`
	EventCounts   map[string]int64   `json:"eventCounts"`
	WebhookStatus WebhookStatus      `json:"webhookStatus"`
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobQueued  JobStatus = "queued"
)

type JobSource string

const (
	SourceCron    JobSource = "cron"
	SourceTrigger JobSource = "trigger"
)

// PendingAggJob is a worklist row. Its id equals the id of the aggregation it
// will produce, which makes scheduler runs idempotent.
type PendingAggJob struct {
	ID          string     `json:"_id"`
	CustomerID  string     `json:"customerId"`
	PeriodType  PeriodType `json:"periodType"`
	PeriodKey   string     `json:"periodKey"`
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   time.Time  `json:"periodEnd"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	Source      JobSource  `json:"source"`
}

// WebhookDelivery is the payload of a deliver-aggregation-webhook message,
// one per enabled webhook per completed aggregation.
type WebhookDelivery struct {
	AggregationID string     `json:"aggregationId"`
	WebhookURL    string     `json:"webhookUrl"`
	WebhookSecret string     `json:"webhookSecret"`
	CustomerID    string     `json:"customerId"`
	Period        PeriodType `json:"period"`
}

const (
	// QueueProcessAggregationJob carries PendingAggJob documents.
	QueueProcessAggregationJob = "process-aggregation-job"
	// QueueDeliverWebhook carries WebhookDelivery payloads.
	QueueDeliverWebhook = "deliver-aggregation-webhook"
)

// AggregationID returns the deterministic primary key shared by aggregations
// and pending jobs.
func AggregationID(customerID string, periodType PeriodType, periodKey string) string {
	return fmt.Sprintf("%s_%s_%s", customerID, periodType, periodKey)
}

// LockKey returns the lock keyspace entry guarding an aggregation id.
func LockKey(aggregationID string) string {
	return fmt.Sprintf("agg_lock_%s", aggregationID)
}

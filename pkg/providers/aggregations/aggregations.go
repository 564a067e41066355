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

// Package aggregations persists aggregation documents keyed by their
// deterministic id. Documents are redis hashes so that the webhook status can
// be patched field-wise (with an atomic attempts increment) without
// rewriting the aggregate the worker owns.
package aggregations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
)

// ErrNotFound is returned by FindByID when no document exists at the id.
var ErrNotFound = errors.New("aggregation not found")

// DefaultListLimit applies when a list filter carries no limit.
const DefaultListLimit = 100

// ListFilter narrows an aggregation listing.
type ListFilter struct {
	CustomerID string
	Period     metering.PeriodType
	From       *time.Time
	To         *time.Time
	Limit      int
}

// WebhookStatusPatch is a partial update of the delivery status. Nil fields
// are left untouched; IncrementAttempts bumps the counter atomically.
type WebhookStatusPatch struct {
	Delivered         *bool
	DeliveredAt       *time.Time
	LastError         *string
	LastAttemptAt     *time.Time
	DryRun            *bool
	IncrementAttempts bool
}

type Provider interface {
	// FindByID returns the aggregation at id or ErrNotFound.
	FindByID(ctx context.Context, id string) (metering.Aggregation, error)
	// Insert creates the document. Only the worker calls this, serialized
	// per id by the lock.
	Insert(ctx context.Context, agg metering.Aggregation) error
	// Update refreshes the reduced values of a still-incomplete period. The
	// webhook status is deliberately not touched.
	Update(ctx context.Context, id string, events map[string]float64, eventCounts map[string]int64, timestamp time.Time) error
	// PatchWebhookStatus applies a partial webhook status update.
	PatchWebhookStatus(ctx context.Context, id string, patch WebhookStatusPatch) error
	// List returns aggregations matching the filter, periodStart descending.
	List(ctx context.Context, filter ListFilter) ([]metering.Aggregation, error)
}

type RedisProvider struct {
	client redis.UniversalClient
}

func NewRedisProvider(client redis.UniversalClient) *RedisProvider {
	return &RedisProvider{client: client}
}

func (p *RedisProvider) FindByID(ctx context.Context, id string) (metering.Aggregation, error) {
	fields, err := p.client.HGetAll(ctx, docKey(id)).Result()
	if err != nil {
		return metering.Aggregation{}, fmt.Errorf("finding aggregation %q, %w", id, err)
	}
	if len(fields) == 0 {
		return metering.Aggregation{}, ErrNotFound
	}
	return fromFields(id, fields)
}

func (p *RedisProvider) Insert(ctx context.Context, agg metering.Aggregation) error {
	events, err := json.Marshal(agg.Events)
	if err != nil {
		return fmt.Errorf("marshaling events map, %w", err)
	}
	counts, err := json.Marshal(agg.EventCounts)
	if err != nil {
		return fmt.Errorf("marshaling event counts, %w", err)
	}
	score := float64(agg.PeriodStart.UnixMilli())
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, docKey(agg.ID),
		"customerId", agg.CustomerID,
		"period", string(agg.Period),
		"periodStart", agg.PeriodStart.UTC().Format(time.RFC3339Nano),
		"periodEnd", agg.PeriodEnd.UTC().Format(time.RFC3339Nano),
		"periodKey", agg.PeriodKey,
		"timestamp", agg.Timestamp.UTC().Format(time.RFC3339Nano),
		"events", events,
		"eventCounts", counts,
		"whDelivered", strconv.FormatBool(agg.WebhookStatus.Delivered),
		"whAttempts", strconv.FormatInt(agg.WebhookStatus.Attempts, 10),
	)
	pipe.ZAdd(ctx, startIndexKey(""), redis.Z{Score: score, Member: agg.ID})
	pipe.ZAdd(ctx, startIndexKey(agg.CustomerID), redis.Z{Score: score, Member: agg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("inserting aggregation %q, %w", agg.ID, err)
	}
	return nil
}

func (p *RedisProvider) Update(ctx context.Context, id string, eventsMap map[string]float64, eventCounts map[string]int64, timestamp time.Time) error {
	events, err := json.Marshal(eventsMap)
	if err != nil {
		return fmt.Errorf("marshaling events map, %w", err)
	}
	counts, err := json.Marshal(eventCounts)
	if err != nil {
		return fmt.Errorf("marshaling event counts, %w", err)
	}
	if err := p.client.HSet(ctx, docKey(id),
		"events", events,
		"eventCounts", counts,
		"timestamp", timestamp.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("updating aggregation %q, %w", id, err)
	}
	return nil
}

func (p *RedisProvider) PatchWebhookStatus(ctx context.Context, id string, patch WebhookStatusPatch) error {
	pipe := p.client.TxPipeline()
	if patch.Delivered != nil {
		pipe.HSet(ctx, docKey(id), "whDelivered", strconv.FormatBool(*patch.Delivered))
	}
	if patch.DeliveredAt != nil {
		pipe.HSet(ctx, docKey(id), "whDeliveredAt", patch.DeliveredAt.UTC().Format(time.RFC3339Nano))
	}
	if patch.LastError != nil {
		pipe.HSet(ctx, docKey(id), "whLastError", *patch.LastError)
	}
	if patch.LastAttemptAt != nil {
		pipe.HSet(ctx, docKey(id), "whLastAttemptAt", patch.LastAttemptAt.UTC().Format(time.RFC3339Nano))
	}
	if patch.DryRun != nil {
		pipe.HSet(ctx, docKey(id), "whDryRun", strconv.FormatBool(*patch.DryRun))
	}
	if patch.IncrementAttempts {
		pipe.HIncrBy(ctx, docKey(id), "whAttempts", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("patching webhook status of %q, %w", id, err)
	}
	return nil
}

func (p *RedisProvider) List(ctx context.Context, filter ListFilter) ([]metering.Aggregation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	min, max := "-inf", "+inf"
	if filter.From != nil {
		min = strconv.FormatInt(filter.From.UnixMilli(), 10)
	}
	if filter.To != nil {
		max = strconv.FormatInt(filter.To.UnixMilli(), 10)
	}
	out := []metering.Aggregation{}
	var offset int64
	for len(out) < limit {
		ids, err := p.client.ZRevRangeByScore(ctx, startIndexKey(filter.CustomerID), &redis.ZRangeBy{
			Min: min, Max: max, Offset: offset, Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("listing aggregations, %w", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			agg, err := p.FindByID(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if filter.Period != "" && agg.Period != filter.Period {
				continue
			}
			out = append(out, agg)
			if len(out) == limit {
				break
			}
		}
		offset += int64(len(ids))
	}
	return out, nil
}

func fromFields(id string, fields map[string]string) (metering.Aggregation, error) {
	agg := metering.Aggregation{
		ID:         id,
		CustomerID: fields["customerId"],
		Period:     metering.PeriodType(fields["period"]),
		PeriodKey:  fields["periodKey"],
	}
	var err error
	if agg.PeriodStart, err = time.Parse(time.RFC3339Nano, fields["periodStart"]); err != nil {
		return metering.Aggregation{}, fmt.Errorf("parsing periodStart of %q, %w", id, err)
	}
	if agg.PeriodEnd, err = time.Parse(time.RFC3339Nano, fields["periodEnd"]); err != nil {
		return metering.Aggregation{}, fmt.Errorf("parsing periodEnd of %q, %w", id, err)
	}
	if agg.Timestamp, err = time.Parse(time.RFC3339Nano, fields["timestamp"]); err != nil {
		return metering.Aggregation{}, fmt.Errorf("parsing timestamp of %q, %w", id, err)
	}
	if err = json.Unmarshal([]byte(fields["events"]), &agg.Events); err != nil {
		return metering.Aggregation{}, fmt.Errorf("unmarshalling events of %q, %w", id, err)
	}
	if err = json.Unmarshal([]byte(fields["eventCounts"]), &agg.EventCounts); err != nil {
		return metering.Aggregation{}, fmt.Errorf("unmarshalling event counts of %q, %w", id, err)
	}
	agg.WebhookStatus.Delivered, _ = strconv.ParseBool(fields["whDelivered"])
	agg.WebhookStatus.Attempts, _ = strconv.ParseInt(fields["whAttempts"], 10, 64)
	agg.WebhookStatus.LastError = fields["whLastError"]
	agg.WebhookStatus.DryRun, _ = strconv.ParseBool(fields["whDryRun"])
	if raw := fields["whDeliveredAt"]; raw != "" {
		if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			agg.WebhookStatus.DeliveredAt = &t
		}
	}
	if raw := fields["whLastAttemptAt"]; raw != "" {
		if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			agg.WebhookStatus.LastAttemptAt = &t
		}
	}
	return agg, nil
}

func docKey(id string) string {
	return fmt.Sprintf("aggregations:%s", id)
}

func startIndexKey(customerID string) string {
	if customerID == "" {
		return "aggregations:by_start"
	}
	return fmt.Sprintf("aggregations:by_start:%s", customerID)
}

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

// Package events persists usage events and serves the three read paths the
// engine needs: per-period aggregation queries, distinct-customer discovery,
// and time-ordered listing. Aggregation indexes are redis lists appended at
// insert time, so they are naturally ordered by arrival, which is what the
// first/last tie-break requires.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operators"
)

// DefaultListLimit applies when a list filter carries no limit.
const DefaultListLimit = 100

const listPageSize = 256

// ListFilter narrows a time-ordered event listing.
type ListFilter struct {
	CustomerID string
	EventType  string
	From       *time.Time
	To         *time.Time
	Limit      int
}

type Provider interface {
	// Insert stores the event and maintains every index.
	Insert(ctx context.Context, event metering.Event) error
	// ScanCustomers returns the distinct customer ids seen so far without
	// loading any event documents.
	ScanCustomers(ctx context.Context) ([]string, error)
	// QueryForAggregation materializes the events of one (customer,
	// eventType, period) tuple, pre-sorted for the given operator: ascending
	// receivedAt for first, descending for last, ties by insertion order.
	QueryForAggregation(ctx context.Context, customerID, eventType, periodField, periodKey string, op operators.Operator) ([]metering.Event, error)
	// AnyInPeriod is a one-probe test for whether any event carries the
	// given period key.
	AnyInPeriod(ctx context.Context, periodField, periodKey string) (bool, error)
	// List returns events matching the filter, receivedAt descending.
	List(ctx context.Context, filter ListFilter) ([]metering.Event, error)
	// Count returns the total number of stored events.
	Count(ctx context.Context) (int64, error)
}

type RedisProvider struct {
	client redis.UniversalClient
}

func NewRedisProvider(client redis.UniversalClient) *RedisProvider {
	return &RedisProvider{client: client}
}

func (p *RedisProvider) Insert(ctx context.Context, event metering.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event, %w", err)
	}
	score := float64(event.ReceivedAt.UnixMilli())
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, docKey(event.ID), raw, 0)
	pipe.SAdd(ctx, customersKey, event.CustomerID)
	pipe.ZAdd(ctx, receivedKey(""), redis.Z{Score: score, Member: event.ID})
	pipe.ZAdd(ctx, receivedKey(event.CustomerID), redis.Z{Score: score, Member: event.ID})
	for field, key := range map[string]string{
		"minute": event.Minute,
		"hour":   event.Hour,
		"day":    event.Day,
		"week":   event.Week,
		"month":  event.Month,
		"year":   event.Year,
	} {
		pipe.RPush(ctx, aggIndexKey(event.CustomerID, event.EventType, field, key), event.ID)
		pipe.Incr(ctx, periodKey(field, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("inserting event %q, %w", event.ID, err)
	}
	return nil
}

func (p *RedisProvider) ScanCustomers(ctx context.Context) ([]string, error) {
	customers := []string{}
	var cursor uint64
	for {
		page, next, err := p.client.SScan(ctx, customersKey, cursor, "", 512).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning customers, %w", err)
		}
		customers = append(customers, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(customers)
	return customers, nil
}

func (p *RedisProvider) QueryForAggregation(ctx context.Context, customerID, eventType, periodField, periodKey string, op operators.Operator) ([]metering.Event, error) {
	ids, err := p.client.LRange(ctx, aggIndexKey(customerID, eventType, periodField, periodKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading aggregation index, %w", err)
	}
	events, err := p.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	switch op {
	case operators.First:
		sort.SliceStable(events, func(i, j int) bool { return events[i].ReceivedAt.Before(events[j].ReceivedAt) })
	case operators.Last:
		sort.SliceStable(events, func(i, j int) bool { return events[i].ReceivedAt.After(events[j].ReceivedAt) })
	}
	return events, nil
}

func (p *RedisProvider) AnyInPeriod(ctx context.Context, periodField, key string) (bool, error) {
	n, err := p.client.Exists(ctx, periodKey(periodField, key)).Result()
	if err != nil {
		return false, fmt.Errorf("probing period %s=%s, %w", periodField, key, err)
	}
	return n > 0, nil
}

func (p *RedisProvider) List(ctx context.Context, filter ListFilter) ([]metering.Event, error) {
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
	out := []metering.Event{}
	var offset int64
	for len(out) < limit {
		ids, err := p.client.ZRevRangeByScore(ctx, receivedKey(filter.CustomerID), &redis.ZRangeBy{
			Min: min, Max: max, Offset: offset, Count: listPageSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("listing events, %w", err)
		}
		if len(ids) == 0 {
			break
		}
		events, err := p.fetch(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			if filter.EventType != "" && event.EventType != filter.EventType {
				continue
			}
			out = append(out, event)
			if len(out) == limit {
				break
			}
		}
		offset += int64(len(ids))
	}
	return out, nil
}

func (p *RedisProvider) Count(ctx context.Context) (int64, error) {
	n, err := p.client.ZCard(ctx, receivedKey("")).Result()
	if err != nil {
		return 0, fmt.Errorf("counting events, %w", err)
	}
	return n, nil
}

func (p *RedisProvider) fetch(ctx context.Context, ids []string) ([]metering.Event, error) {
	if len(ids) == 0 {
		return []metering.Event{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, docKey(id))
	}
	raws, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching event documents, %w", err)
	}
	events := make([]metering.Event, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			// evicted by retention between index read and fetch
			continue
		}
		event := metering.Event{}
		if err := json.Unmarshal([]byte(raw.(string)), &event); err != nil {
			return nil, fmt.Errorf("unmarshalling event %q, %w", ids[i], err)
		}
		events = append(events, event)
	}
	return events, nil
}

const customersKey = "events:customers"

func docKey(id string) string {
	return fmt.Sprintf("events:doc:%s", id)
}

func receivedKey(customerID string) string {
	if customerID == "" {
		return "events:by_received"
	}
	return fmt.Sprintf("events:by_received:%s", customerID)
}

func aggIndexKey(customerID, eventType, periodField, periodKey string) string {
	return fmt.Sprintf("events:idx:%s:%s:%s:%s", customerID, eventType, periodField, periodKey)
}

func periodKey(periodField, key string) string {
	return fmt.Sprintf("events:period:%s:%s", periodField, key)
}

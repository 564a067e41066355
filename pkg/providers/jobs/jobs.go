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

// Package jobs is the durable worklist between the scheduler and the
// aggregation worker. Rows are keyed by the deterministic aggregation id, so
// repeated scheduler runs dedup to upserts. A row stuck in queued status
// marks in-flight or crashed work; recovery is to flip it back to pending and
// re-run the bulk enqueue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/queue"
)

// ErrNotFound is returned by Get when no row exists at the id.
var ErrNotFound = errors.New("pending aggregation job not found")

type Board interface {
	// UpsertPending inserts or refreshes the row at job.ID, always resetting
	// status to pending. It reports whether the row was newly created.
	UpsertPending(ctx context.Context, job metering.PendingAggJob) (bool, error)
	// BulkEnqueuePending publishes one message per pending row onto the
	// named queue and returns the number published.
	BulkEnqueuePending(ctx context.Context, queueName string) (int, error)
	// MarkQueued transitions every pending row to queued and returns the
	// number transitioned.
	MarkQueued(ctx context.Context) (int, error)
	// Delete removes the row once the worker is done with it.
	Delete(ctx context.Context, id string) error
	// Get returns the row at id or ErrNotFound.
	Get(ctx context.Context, id string) (metering.PendingAggJob, error)
}

type RedisBoard struct {
	client redis.UniversalClient
	queue  queue.Provider
	clk    clock.Clock
}

func NewRedisBoard(client redis.UniversalClient, queueProvider queue.Provider, clk clock.Clock) *RedisBoard {
	return &RedisBoard{client: client, queue: queueProvider, clk: clk}
}

func (b *RedisBoard) UpsertPending(ctx context.Context, job metering.PendingAggJob) (bool, error) {
	existing, err := b.client.Exists(ctx, docKey(job.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("probing job %q, %w", job.ID, err)
	}
	job.Status = metering.JobPending
	job.CreatedAt = b.clk.Now().UTC()
	job.QueuedAt = nil
	if err := b.write(ctx, job); err != nil {
		return false, err
	}
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, pendingKey, job.ID)
	pipe.SRem(ctx, queuedKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("indexing job %q as pending, %w", job.ID, err)
	}
	return existing == 0, nil
}

func (b *RedisBoard) BulkEnqueuePending(ctx context.Context, queueName string) (int, error) {
	ids, err := b.client.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs, %w", err)
	}
	published := 0
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			b.client.SRem(ctx, pendingKey, id)
			continue
		}
		if err != nil {
			return published, err
		}
		if _, err := b.queue.Publish(ctx, queueName, job); err != nil {
			return published, fmt.Errorf("enqueueing job %q, %w", id, err)
		}
		published++
	}
	return published, nil
}

func (b *RedisBoard) MarkQueued(ctx context.Context) (int, error) {
	ids, err := b.client.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("listing pending jobs, %w", err)
	}
	now := b.clk.Now().UTC()
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			b.client.SRem(ctx, pendingKey, id)
			continue
		}
		if err != nil {
			return 0, err
		}
		job.Status = metering.JobQueued
		job.QueuedAt = &now
		if err := b.write(ctx, job); err != nil {
			return 0, err
		}
		if err := b.client.SMove(ctx, pendingKey, queuedKey, id).Err(); err != nil {
			return 0, fmt.Errorf("moving job %q to queued, %w", id, err)
		}
	}
	return len(ids), nil
}

func (b *RedisBoard) Delete(ctx context.Context, id string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, docKey(id))
	pipe.SRem(ctx, pendingKey, id)
	pipe.SRem(ctx, queuedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting job %q, %w", id, err)
	}
	return nil
}

func (b *RedisBoard) Get(ctx context.Context, id string) (metering.PendingAggJob, error) {
	raw, err := b.client.Get(ctx, docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return metering.PendingAggJob{}, ErrNotFound
	}
	if err != nil {
		return metering.PendingAggJob{}, fmt.Errorf("reading job %q, %w", id, err)
	}
	job := metering.PendingAggJob{}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return metering.PendingAggJob{}, fmt.Errorf("unmarshalling job %q, %w", id, err)
	}
	return job, nil
}

func (b *RedisBoard) write(ctx context.Context, job metering.PendingAggJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %q, %w", job.ID, err)
	}
	if err := b.client.Set(ctx, docKey(job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("writing job %q, %w", job.ID, err)
	}
	return nil
}

const (
	pendingKey = "pending_agg_jobs:pending"
	queuedKey  = "pending_agg_jobs:queued"
)

func docKey(id string) string {
	return fmt.Sprintf("pending_agg_jobs:%s", id)
}

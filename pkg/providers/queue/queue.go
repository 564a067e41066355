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

// Package queue implements named at-least-once work queues on redis lists.
// A handler error re-enqueues the message until maxAttempts, after which it
// lands on the queue's dead-letter list for operational recovery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
)

// DefaultMaxAttempts bounds redelivery before a message is dead-lettered.
const DefaultMaxAttempts = 5

// Message is the wire envelope around a payload.
type Message struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler processes one message. A non-nil error signals the queue to retry.
type Handler func(ctx context.Context, msg Message) error

type Provider interface {
	// Publish marshals payload and appends it to the named queue, returning
	// the message id.
	Publish(ctx context.Context, queue string, payload any) (string, error)
	// Consume runs concurrency consumer goroutines against the named queue
	// until ctx is cancelled.
	Consume(ctx context.Context, queue string, concurrency int, handler Handler)
	// Depth reports the number of messages waiting on the named queue.
	Depth(ctx context.Context, queue string) (int64, error)
}

type RedisProvider struct {
	client      redis.UniversalClient
	clk         clock.Clock
	maxAttempts int
}

func NewRedisProvider(client redis.UniversalClient, clk clock.Clock) *RedisProvider {
	return &RedisProvider{client: client, clk: clk, maxAttempts: DefaultMaxAttempts}
}

func (p *RedisProvider) Publish(ctx context.Context, queue string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload for queue %q, %w", queue, err)
	}
	msg := Message{
		ID:         uuid.NewString(),
		Queue:      queue,
		EnqueuedAt: p.clk.Now().UTC(),
		Payload:    raw,
	}
	if err := p.push(ctx, p.key(queue), msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (p *RedisProvider) Consume(ctx context.Context, queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consumeLoop(ctx, queue, handler)
		}()
	}
	wg.Wait()
}

// ReceiveOne pops a single message without blocking. It returns false when
// the queue is empty. Attempts is already incremented for the delivery.
func (p *RedisProvider) ReceiveOne(ctx context.Context, queue string) (Message, bool, error) {
	raw, err := p.client.RPop(ctx, p.key(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("receiving from queue %q, %w", queue, err)
	}
	msg := Message{}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, false, fmt.Errorf("unmarshalling message from queue %q, %w", queue, err)
	}
	msg.Attempts++
	return msg, true, nil
}

func (p *RedisProvider) Depth(ctx context.Context, queue string) (int64, error) {
	depth, err := p.client.LLen(ctx, p.key(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading depth of queue %q, %w", queue, err)
	}
	return depth, nil
}

func (p *RedisProvider) consumeLoop(ctx context.Context, queue string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := p.client.BRPop(ctx, time.Second, p.key(queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.FromContext(ctx).Errorf("receiving from queue %q, %v", queue, err)
			continue
		}
		// BRPOP returns [key, value]
		msg := Message{}
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			logging.FromContext(ctx).Errorf("unmarshalling message from queue %q, dropping, %v", queue, err)
			continue
		}
		msg.Attempts++
		p.handle(ctx, queue, msg, handler)
	}
}

func (p *RedisProvider) handle(ctx context.Context, queue string, msg Message, handler Handler) {
	log := logging.FromContext(ctx).With("queue", queue, "message-id", msg.ID, "attempt", msg.Attempts)
	err := handler(logging.WithLogger(ctx, log), msg)
	if err == nil {
		return
	}
	if msg.Attempts >= p.maxAttempts {
		log.Errorf("handler failed, dead-lettering after %d attempts, %v", msg.Attempts, err)
		if dlqErr := p.push(ctx, p.deadKey(queue), msg); dlqErr != nil {
			log.Errorf("dead-lettering message, %v", dlqErr)
		}
		return
	}
	log.Warnf("handler failed, re-enqueueing, %v", err)
	if retryErr := p.push(ctx, p.key(queue), msg); retryErr != nil {
		log.Errorf("re-enqueueing message, %v", retryErr)
	}
}

func (p *RedisProvider) push(ctx context.Context, key string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message envelope, %w", err)
	}
	if err := retry.Do(func() error {
		return p.client.LPush(ctx, key, raw).Err()
	}, retry.Attempts(3), retry.Delay(100*time.Millisecond), retry.LastErrorOnly(true)); err != nil {
		return fmt.Errorf("pushing to %q, %w", key, err)
	}
	return nil
}

func (p *RedisProvider) key(queue string) string {
	return fmt.Sprintf("queue:%s", queue)
}

func (p *RedisProvider) deadKey(queue string) string {
	return fmt.Sprintf("queue:%s:dead", queue)
}

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

// Package operator assembles the providers and controllers of the metering
// service from options and settings. Construction fails fast: settings are
// validated and redis is pinged before anything starts.
package operator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/aggregation"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/scheduling"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/webhook"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operator/options"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/jobs"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/lock"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/queue"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/webserver"
)

type Operator struct {
	Settings     settings.Settings
	RedisClient  *redis.Client
	Clock        clock.Clock
	Queue        queue.Provider
	Events       events.Provider
	Aggregations aggregations.Provider
	Jobs         jobs.Board
	Locks        lock.Provider
	Scheduler    *scheduling.Scheduler
	Worker       *aggregation.Worker
	Dispatcher   *webhook.Dispatcher
	Server       *webserver.Server
}

func NewOperator(ctx context.Context, opts options.Options) (*Operator, error) {
	s, err := settings.Load(opts.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("loading settings, %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %q, %w", opts.RedisAddr, err)
	}
	clk := clock.RealClock{}
	queueProvider := queue.NewRedisProvider(client, clk)
	eventsProvider := events.NewRedisProvider(client)
	aggregationsProvider := aggregations.NewRedisProvider(client)
	board := jobs.NewRedisBoard(client, queueProvider, clk)
	locks := lock.NewRedisProvider(client, clk)
	scheduler := scheduling.NewScheduler(s, eventsProvider, aggregationsProvider, board, clk)
	return &Operator{
		Settings:     s,
		RedisClient:  client,
		Clock:        clk,
		Queue:        queueProvider,
		Events:       eventsProvider,
		Aggregations: aggregationsProvider,
		Jobs:         board,
		Locks:        locks,
		Scheduler:    scheduler,
		Worker:       aggregation.NewWorker(s, eventsProvider, aggregationsProvider, board, locks, queueProvider, clk),
		Dispatcher:   webhook.NewDispatcher(aggregationsProvider, clk, opts.DryRun),
		Server: webserver.NewServer(s, eventsProvider, aggregationsProvider, scheduler, clk, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
	}, nil
}

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

package options

import (
	"flag"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/env"
)

func MustParse() Options {
	opts := Options{}
	flag.StringVar(&opts.SettingsFile, "settings", env.WithDefaultString("METERING_CONFIG", "config.yaml"), "Path to the metering settings file (periods, event types, webhooks)")
	flag.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Address of the redis backing store")
	flag.IntVar(&opts.HTTPPort, "http-port", env.WithDefaultInt("HTTP_PORT", 3000), "The port the ingest and query endpoints bind to")
	flag.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to")
	flag.StringVar(&opts.CronSchedule, "cron-schedule", env.WithDefaultString("CRON_SCHEDULE", "*/15 * * * *"), "Cron expression for the aggregation scheduler")
	flag.IntVar(&opts.AggregationConcurrency, "aggregation-concurrency", env.WithDefaultInt("AGGREGATION_CONCURRENCY", 4), "Parallelism of the aggregation job consumer")
	flag.IntVar(&opts.WebhookConcurrency, "webhook-concurrency", env.WithDefaultInt("WEBHOOK_CONCURRENCY", 4), "Parallelism of the webhook delivery consumer")
	flag.BoolVar(&opts.DryRun, "dry-run", env.WithDefaultBool("DRY_RUN", false), "Log webhook payloads instead of POSTing them")
	flag.BoolVar(&opts.Verbose, "verbose", env.WithDefaultBool("VERBOSE", false), "Enable verbose logging")
	flag.Parse()
	if err := opts.Validate(); err != nil {
		panic(err)
	}
	return opts
}

// Options for running this binary
type Options struct {
	SettingsFile           string
	RedisAddr              string
	HTTPPort               int
	MetricsPort            int
	CronSchedule           string
	AggregationConcurrency int
	WebhookConcurrency     int
	DryRun                 bool
	Verbose                bool
}

func (o Options) Validate() (err error) {
	if o.SettingsFile == "" {
		err = multierr.Append(err, fmt.Errorf("METERING_CONFIG is required"))
	}
	if o.RedisAddr == "" {
		err = multierr.Append(err, fmt.Errorf("REDIS_ADDR is required"))
	}
	if _, parseErr := cron.ParseStandard(o.CronSchedule); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("%q is not a valid CRON_SCHEDULE, %w", o.CronSchedule, parseErr))
	}
	if o.HTTPPort == o.MetricsPort {
		err = multierr.Append(err, fmt.Errorf("HTTP_PORT and METRICS_PORT may not be equal"))
	}
	return err
}

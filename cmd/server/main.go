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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operator"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operator/options"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/project"
)

func main() {
	opts := options.MustParse()
	logger := logging.NewLogger(opts.Verbose)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		logger.Fatalf("starting metering service, %v", err)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(opts.CronSchedule, func() {
		if err := op.Scheduler.RunCron(ctx); err != nil {
			logger.Errorf("cron scheduler pass, %v", err)
		}
	}); err != nil {
		logger.Fatalf("registering cron schedule, %v", err)
	}
	scheduler.Start()

	consumers := sync.WaitGroup{}
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		op.Queue.Consume(ctx, metering.QueueProcessAggregationJob, opts.AggregationConcurrency, op.Worker.Handle)
	}()
	go func() {
		defer consumers.Done()
		op.Queue.Consume(ctx, metering.QueueDeliverWebhook, opts.WebhookConcurrency, op.Dispatcher.Handle)
	}()

	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serving metrics, %v", err)
		}
	}()

	apiServer := &http.Server{Addr: fmt.Sprintf(":%d", opts.HTTPPort), Handler: op.Server.Routes()}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("serving api, %v", err)
			cancel()
		}
	}()
	logger.Infof("metering service %s listening on :%d, metrics on :%d, dry-run=%t",
		project.Version, opts.HTTPPort, opts.MetricsPort, opts.DryRun)

	<-ctx.Done()
	logger.Infof("shutting down")
	<-scheduler.Stop().Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	consumers.Wait()
	logger.Infof("shutdown complete")
}

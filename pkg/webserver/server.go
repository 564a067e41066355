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

// Package webserver exposes the ingest and query endpoints. It holds no
// aggregation logic; the trigger endpoint is a thin shim over the scheduler.
package webserver

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/scheduling"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
)

// MaxBatchSize caps POST /usagebatch.
const MaxBatchSize = 1000

// HealthCheck reports backing-store liveness for /healthz.
type HealthCheck func(ctx context.Context) error

type Server struct {
	settings     settings.Settings
	events       events.Provider
	aggregations aggregations.Provider
	scheduler    *scheduling.Scheduler
	validate     *validator.Validate
	clk          clock.Clock
	health       HealthCheck
}

func NewServer(s settings.Settings, eventsProvider events.Provider, aggregationsProvider aggregations.Provider,
	scheduler *scheduling.Scheduler, clk clock.Clock, health HealthCheck) *Server {
	validate := validator.New()
	// report errors under json field names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		settings:     s,
		events:       eventsProvider,
		aggregations: aggregationsProvider,
		scheduler:    scheduler,
		validate:     validate,
		clk:          clk,
		health:       health,
	}
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Post("/usage/{eventType}", s.handleUsage)
	router.Post("/usagebatch", s.handleUsageBatch)
	router.Get("/events", s.handleListEvents)
	router.Get("/aggregations", s.handleListAggregations)
	router.Post("/aggregations/trigger", s.handleTrigger)
	router.Get("/config", s.handleConfig)
	router.Get("/healthz", s.handleHealthz)
	return router
}

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

package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/scheduling"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/metrics"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/timeindex"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
)

type usageRequest struct {
	CustomerID string         `json:"customerId" validate:"required"`
	Value      *float64       `json:"value" validate:"required"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type batchItem struct {
	CustomerID string         `json:"customerId" validate:"required"`
	EventType  string         `json:"eventType" validate:"required"`
	Value      *float64       `json:"value" validate:"required"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type batchItemError struct {
	Index  int      `json:"index"`
	Errors []string `json:"errors"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if len(s.settings.Events) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no event types configured", nil)
		return
	}
	eventType := chi.URLParam(r, "eventType")
	body := usageRequest{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	details := s.validateUsage(eventType, body.CustomerID, body.Value)
	if len(details) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation failed", details)
		return
	}
	event := s.buildEvent(eventType, body.CustomerID, *body.Value, body.Metadata)
	if err := s.events.Insert(r.Context(), event); err != nil {
		logging.FromContext(r.Context()).Errorf("inserting event, %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	metrics.EventsIngested.WithLabelValues(eventType).Inc()
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleUsageBatch(w http.ResponseWriter, r *http.Request) {
	if len(s.settings.Events) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no event types configured", nil)
		return
	}
	items := []batchItem{}
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body, expected an array", nil)
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch", nil)
		return
	}
	if len(items) > MaxBatchSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]int{
			"received":   len(items),
			"maxAllowed": MaxBatchSize,
		})
		return
	}
	itemErrors := []batchItemError{}
	for i, item := range items {
		if details := s.validateUsage(item.EventType, item.CustomerID, item.Value); len(details) > 0 {
			itemErrors = append(itemErrors, batchItemError{Index: i, Errors: details})
		}
	}
	if len(itemErrors) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation failed", itemErrors)
		return
	}
	success, failed := 0, 0
	for i, item := range items {
		event := s.buildEvent(item.EventType, item.CustomerID, *item.Value, item.Metadata)
		if err := s.events.Insert(r.Context(), event); err != nil {
			logging.FromContext(r.Context()).Errorf("inserting batch event %d, %v", i, err)
			failed++
			continue
		}
		metrics.EventsIngested.WithLabelValues(item.EventType).Inc()
		success++
	}
	status := http.StatusCreated
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]int{"successCount": success, "failedCount": failed})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.ListFilter{
		CustomerID: r.URL.Query().Get("customerId"),
		EventType:  r.URL.Query().Get("eventType"),
	}
	var err error
	if filter.From, filter.To, filter.Limit, err = timeRangeParams(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	matched, err := s.events.List(r.Context(), filter)
	if err != nil {
		logging.FromContext(r.Context()).Errorf("listing events, %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleListAggregations(w http.ResponseWriter, r *http.Request) {
	filter := aggregations.ListFilter{
		CustomerID: r.URL.Query().Get("customerId"),
		Period:     metering.PeriodType(r.URL.Query().Get("period")),
	}
	var err error
	if filter.From, filter.To, filter.Limit, err = timeRangeParams(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	matched, err := s.aggregations.List(r.Context(), filter)
	if err != nil {
		logging.FromContext(r.Context()).Errorf("listing aggregations, %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.RunTrigger(r.Context())
	if errors.Is(err, scheduling.ErrNoPeriodsConfigured) {
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Errorf("running trigger, %v", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Redacted())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validateUsage collects the shape and configuration errors for one usage
// submission. eventType is checked against configured types, customerId and
// value against the struct rules, value additionally for finiteness.
func (s *Server) validateUsage(eventType, customerID string, value *float64) []string {
	details := []string{}
	if eventType == "" {
		details = append(details, "eventType is required")
	} else if _, ok := s.settings.Events[eventType]; !ok {
		details = append(details, fmt.Sprintf("unknown event type %q", eventType))
	}
	probe := usageRequest{CustomerID: customerID, Value: value}
	if err := s.validate.Struct(probe); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			for _, fieldError := range fieldErrors {
				details = append(details, fmt.Sprintf("%s is %s", fieldError.Field(), fieldError.Tag()))
			}
		} else {
			details = append(details, err.Error())
		}
	}
	if value != nil && (math.IsNaN(*value) || math.IsInf(*value, 0)) {
		details = append(details, "value must be a finite number")
	}
	return details
}

func (s *Server) buildEvent(eventType, customerID string, value float64, metadata map[string]any) metering.Event {
	now := s.clk.Now().UTC()
	keys := timeindex.PeriodKeys(now)
	return metering.Event{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		EventType:  eventType,
		Value:      value,
		Metadata:   metadata,
		ReceivedAt: now,
		Minute:     keys.Minute,
		Hour:       keys.Hour,
		Day:        keys.Day,
		Week:       keys.Week,
		Month:      keys.Month,
		Year:       keys.Year,
	}
}

func timeRangeParams(r *http.Request) (*time.Time, *time.Time, int, error) {
	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("invalid from timestamp %q", raw)
		}
		from = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("invalid to timestamp %q", raw)
		}
		to = &t
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, nil, 0, fmt.Errorf("invalid limit %q", raw)
		}
		limit = n
	}
	return from, to, limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	body := map[string]any{"error": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

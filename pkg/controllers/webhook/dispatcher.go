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

// Package webhook delivers completed aggregations to external subscribers as
// signed HTTP POSTs. Delivery is at-least-once; the aggregation id inside the
// payload lets receivers dedup.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"k8s.io/utils/clock"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/metrics"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/queue"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/logging"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/utils/project"
)

// RequestTimeout is the hard per-attempt limit on the outbound POST.
const RequestTimeout = 10 * time.Second

// Envelope is the wire format of a delivery.
type Envelope struct {
	Type       string       `json:"type"`
	CustomerID string       `json:"customerId"`
	Period     string       `json:"period"`
	Data       EnvelopeData `json:"data"`
	Created    int64        `json:"created"`
}

type EnvelopeData struct {
	PeriodStart time.Time          `json:"periodStart"`
	PeriodEnd   time.Time          `json:"periodEnd"`
	PeriodKey   string             `json:"periodKey"`
	Timestamp   time.Time          `json:"timestamp"`
	Events      map[string]float64 `json:"events"`
	EventCounts map[string]int64   `json:"eventCounts"`
}

type Dispatcher struct {
	aggregations aggregations.Provider
	httpClient   *http.Client
	clk          clock.Clock
	dryRun       bool
}

func NewDispatcher(aggregationsProvider aggregations.Provider, clk clock.Clock, dryRun bool) *Dispatcher {
	return &Dispatcher{
		aggregations: aggregationsProvider,
		httpClient:   &http.Client{Timeout: RequestTimeout},
		clk:          clk,
		dryRun:       dryRun,
	}
}

// Handle consumes one deliver-aggregation-webhook message. A returned error
// surfaces a queue failure so the delivery is retried.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	delivery := metering.WebhookDelivery{}
	if err := json.Unmarshal(msg.Payload, &delivery); err != nil {
		logging.FromContext(ctx).Errorf("unmarshalling webhook delivery, dropping, %v", err)
		metrics.WebhookDeliveries.WithLabelValues("malformed").Inc()
		return nil
	}
	log := logging.FromContext(ctx).With("aggregation-id", delivery.AggregationID, "webhook-url", delivery.WebhookURL)
	ctx = logging.WithLogger(ctx, log)

	agg, err := d.aggregations.FindByID(ctx, delivery.AggregationID)
	if errors.Is(err, aggregations.ErrNotFound) {
		log.Warnf("aggregation no longer exists, nothing to deliver")
		metrics.WebhookDeliveries.WithLabelValues("missing").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading aggregation, %w", err)
	}

	timestamp := d.clk.Now().UTC().Unix()
	payload, err := json.Marshal(Envelope{
		Type:       "aggregation.completed",
		CustomerID: agg.CustomerID,
		Period:     string(agg.Period),
		Data: EnvelopeData{
			PeriodStart: agg.PeriodStart.UTC(),
			PeriodEnd:   agg.PeriodEnd.UTC(),
			PeriodKey:   agg.PeriodKey,
			Timestamp:   agg.Timestamp.UTC(),
			Events:      agg.Events,
			EventCounts: agg.EventCounts,
		},
		Created: timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook envelope, %w", err)
	}
	signature := Signature(delivery.WebhookSecret, timestamp, payload)

	if d.dryRun {
		log.Infof("dry run, would POST %d bytes with signature %s: %s", len(payload), signature, payload)
		if err := d.markDelivered(ctx, delivery.AggregationID, true); err != nil {
			return err
		}
		metrics.WebhookDeliveries.WithLabelValues("dry_run").Inc()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return d.recordFailure(ctx, delivery.AggregationID, fmt.Errorf("building webhook request, %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("User-Agent", project.UserAgent())
	req.ContentLength = int64(len(payload))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return d.recordFailure(ctx, delivery.AggregationID, fmt.Errorf("posting webhook, %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d.recordFailure(ctx, delivery.AggregationID, fmt.Errorf("webhook responded with HTTP %d", resp.StatusCode))
	}

	log.Infof("webhook delivered, HTTP %d", resp.StatusCode)
	if err := d.markDelivered(ctx, delivery.AggregationID, false); err != nil {
		return err
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	return nil
}

func (d *Dispatcher) markDelivered(ctx context.Context, id string, dryRun bool) error {
	now := d.clk.Now().UTC()
	delivered := true
	patch := aggregations.WebhookStatusPatch{
		Delivered:         &delivered,
		DeliveredAt:       &now,
		IncrementAttempts: true,
	}
	if dryRun {
		patch.DryRun = &dryRun
	}
	if err := d.aggregations.PatchWebhookStatus(ctx, id, patch); err != nil {
		return fmt.Errorf("recording webhook delivery, %w", err)
	}
	return nil
}

// recordFailure stores the failure on the aggregation, then returns the
// original delivery error so the queue retries.
func (d *Dispatcher) recordFailure(ctx context.Context, id string, deliveryErr error) error {
	logging.FromContext(ctx).Warnf("webhook delivery failed, %v", deliveryErr)
	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	now := d.clk.Now().UTC()
	message := deliveryErr.Error()
	if err := d.aggregations.PatchWebhookStatus(ctx, id, aggregations.WebhookStatusPatch{
		LastError:         &message,
		LastAttemptAt:     &now,
		IncrementAttempts: true,
	}); err != nil {
		logging.FromContext(ctx).Errorf("recording webhook failure, %v", err)
	}
	return deliveryErr
}

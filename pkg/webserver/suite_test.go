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

package webserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/settings"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/controllers/scheduling"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/aggregations"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/jobs"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/queue"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/test"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/webserver"
)

var (
	ctx                  context.Context
	env                  *test.Environment
	fakeClock            *clocktesting.FakeClock
	eventsProvider       *events.RedisProvider
	aggregationsProvider *aggregations.RedisProvider
	queueProvider        *queue.RedisProvider
	board                *jobs.RedisBoard
)

func TestWebServer(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "WebServer")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
	fakeClock = clocktesting.NewFakeClock(time.Date(2026, 1, 13, 14, 0, 0, 0, time.UTC))
	eventsProvider = events.NewRedisProvider(env.Client)
	aggregationsProvider = aggregations.NewRedisProvider(env.Client)
	queueProvider = queue.NewRedisProvider(env.Client, fakeClock)
	board = jobs.NewRedisBoard(env.Client, queueProvider, fakeClock)
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

func newHandler(s settings.Settings, health webserver.HealthCheck) http.Handler {
	scheduler := scheduling.NewScheduler(s, eventsProvider, aggregationsProvider, board, fakeClock)
	return webserver.NewServer(s, eventsProvider, aggregationsProvider, scheduler, fakeClock, health).Routes()
}

func request(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decode[T any](recorder *httptest.ResponseRecorder) T {
	var out T
	Expect(json.Unmarshal(recorder.Body.Bytes(), &out)).To(Succeed())
	return out
}

var _ = Describe("POST /usage/{eventType}", func() {
	It("should store the event with period keys and return 201", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{"customerId":"cust_1","value":42,"metadata":{"region":"eu"}}`)
		Expect(recorder.Code).To(Equal(http.StatusCreated))

		event := decode[metering.Event](recorder)
		Expect(event.ID).ToNot(BeEmpty())
		Expect(event.CustomerID).To(Equal("cust_1"))
		Expect(event.EventType).To(Equal("api.calls"))
		Expect(event.Value).To(Equal(42.0))
		Expect(event.Day).To(Equal("20260113"))
		Expect(event.Week).To(Equal("202603"))
		Expect(event.ReceivedAt).To(BeTemporally("==", fakeClock.Now().UTC()))

		count, err := eventsProvider.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(int64(1)))
	})
	It("should accept a zero value", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{"customerId":"cust_1","value":0}`)
		Expect(recorder.Code).To(Equal(http.StatusCreated))
	})
	It("should reject unknown event types with 422", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/unknown.type", `{"customerId":"cust_1","value":1}`)
		Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(recorder.Body.String()).To(ContainSubstring("unknown.type"))
	})
	It("should reject missing customerId and missing value with 422", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{"value":1}`)
		Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(recorder.Body.String()).To(ContainSubstring("customerId"))

		recorder = request(handler, http.MethodPost, "/usage/api.calls", `{"customerId":"cust_1"}`)
		Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(recorder.Body.String()).To(ContainSubstring("value"))
	})
	It("should reject malformed JSON with 400", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{not json`)
		Expect(recorder.Code).To(Equal(http.StatusBadRequest))
	})
	It("should answer 503 when no event types are configured", func() {
		handler := newHandler(test.Settings(func(s *settings.Settings) {
			s.Events = nil
		}), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{"customerId":"cust_1","value":1}`)
		Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("POST /usagebatch", func() {
	It("should ingest a valid batch and return 201 with counts", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usagebatch", `[
			{"customerId":"cust_1","eventType":"api.calls","value":1},
			{"customerId":"cust_2","eventType":"response.time.ms","value":2.5}
		]`)
		Expect(recorder.Code).To(Equal(http.StatusCreated))
		counts := decode[map[string]int](recorder)
		Expect(counts["successCount"]).To(Equal(2))
		Expect(counts["failedCount"]).To(BeZero())

		count, err := eventsProvider.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(int64(2)))
	})
	It("should accept exactly the maximum batch size and reject one more with 413", func() {
		handler := newHandler(test.Settings(), nil)
		items := make([]string, webserver.MaxBatchSize)
		for i := range items {
			items[i] = `{"customerId":"cust_1","eventType":"api.calls","value":1}`
		}
		recorder := request(handler, http.MethodPost, "/usagebatch", "["+strings.Join(items, ",")+"]")
		Expect(recorder.Code).To(Equal(http.StatusCreated))
		counts := decode[map[string]int](recorder)
		Expect(counts["successCount"]).To(Equal(webserver.MaxBatchSize))

		items = append(items, items[0])
		recorder = request(handler, http.MethodPost, "/usagebatch", "["+strings.Join(items, ",")+"]")
		Expect(recorder.Code).To(Equal(http.StatusRequestEntityTooLarge))
		body := decode[map[string]int](recorder)
		Expect(body["received"]).To(Equal(webserver.MaxBatchSize + 1))
		Expect(body["maxAllowed"]).To(Equal(webserver.MaxBatchSize))
	})
	It("should report per-item validation errors with indexes and store nothing", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usagebatch", `[
			{"customerId":"cust_1","eventType":"api.calls","value":1},
			{"customerId":"","eventType":"api.calls","value":1},
			{"customerId":"cust_3","eventType":"unknown.type","value":1}
		]`)
		Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		Expect(recorder.Body.String()).To(ContainSubstring(`"index":1`))
		Expect(recorder.Body.String()).To(ContainSubstring(`"index":2`))

		count, err := eventsProvider.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(BeZero())
	})
	It("should reject empty and non-array bodies with 400", func() {
		handler := newHandler(test.Settings(), nil)
		Expect(request(handler, http.MethodPost, "/usagebatch", `[]`).Code).To(Equal(http.StatusBadRequest))
		Expect(request(handler, http.MethodPost, "/usagebatch", `{"customerId":"cust_1"}`).Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("GET /events", func() {
	It("should list stored events newest first with filters", func() {
		handler := newHandler(test.Settings(), nil)
		base := fakeClock.Now()
		for i := 0; i < 3; i++ {
			Expect(eventsProvider.Insert(ctx, test.Event("cust_1", "api.calls", float64(i), base.Add(time.Duration(i)*time.Minute)))).To(Succeed())
		}

		recorder := request(handler, http.MethodGet, "/events?customerId=cust_1&limit=2", "")
		Expect(recorder.Code).To(Equal(http.StatusOK))
		matched := decode[[]metering.Event](recorder)
		Expect(matched).To(HaveLen(2))
		Expect(matched[0].Value).To(Equal(2.0))
		Expect(matched[1].Value).To(Equal(1.0))
	})
	It("should reject bad time range parameters", func() {
		handler := newHandler(test.Settings(), nil)
		Expect(request(handler, http.MethodGet, "/events?from=yesterday", "").Code).To(Equal(http.StatusBadRequest))
		Expect(request(handler, http.MethodGet, "/events?limit=-1", "").Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("GET /aggregations", func() {
	It("should list stored aggregations", func() {
		handler := newHandler(test.Settings(), nil)
		start := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
		Expect(aggregationsProvider.Insert(ctx, metering.Aggregation{
			ID:          "cust_1_daily_20260112",
			CustomerID:  "cust_1",
			Period:      metering.Daily,
			PeriodStart: start,
			PeriodEnd:   start.Add(24*time.Hour - time.Millisecond),
			PeriodKey:   "20260112",
			Timestamp:   fakeClock.Now(),
			Events:      map[string]float64{"api.calls": 550},
			EventCounts: map[string]int64{"api.calls": 10},
		})).To(Succeed())

		recorder := request(handler, http.MethodGet, "/aggregations?customerId=cust_1&period=daily", "")
		Expect(recorder.Code).To(Equal(http.StatusOK))
		matched := decode[[]metering.Aggregation](recorder)
		Expect(matched).To(HaveLen(1))
		Expect(matched[0].Events["api.calls"]).To(Equal(550.0))
		Expect(matched[0].WebhookStatus.Delivered).To(BeFalse())
	})
})

var _ = Describe("POST /aggregations/trigger", func() {
	It("should run the scheduler and acknowledge with 202", func() {
		handler := newHandler(test.Settings(), nil)
		Expect(eventsProvider.Insert(ctx, test.Event("cust_1", "api.calls", 1, fakeClock.Now()))).To(Succeed())

		recorder := request(handler, http.MethodPost, "/aggregations/trigger", "")
		Expect(recorder.Code).To(Equal(http.StatusAccepted))
		result := decode[scheduling.TriggerResult](recorder)
		Expect(result.JobsCreated).To(Equal(1))
		Expect(result.JobsQueued).To(Equal(1))
		Expect(result.CustomersFound).To(Equal(1))

		depth, err := queueProvider.Depth(ctx, metering.QueueProcessAggregationJob)
		Expect(err).ToNot(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))
	})
	It("should answer 503 when no periods are configured", func() {
		handler := newHandler(test.Settings(func(s *settings.Settings) {
			s.Periods = nil
		}), nil)
		recorder := request(handler, http.MethodPost, "/aggregations/trigger", "")
		Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
	})
})

var _ = Describe("GET /config", func() {
	It("should expose the settings with secrets redacted", func() {
		handler := newHandler(test.Settings(func(s *settings.Settings) {
			s.Webhooks = []settings.WebhookConfig{{URL: "https://example.com", Secret: "whsec_123", Enabled: true}}
		}), nil)
		recorder := request(handler, http.MethodGet, "/config", "")
		Expect(recorder.Code).To(Equal(http.StatusOK))
		Expect(recorder.Body.String()).ToNot(ContainSubstring("whsec_123"))
		Expect(recorder.Body.String()).To(ContainSubstring("***"))
	})
})

var _ = Describe("GET /healthz", func() {
	It("should report ok while the backing store answers", func() {
		handler := newHandler(test.Settings(), func(ctx context.Context) error {
			return env.Client.Ping(ctx).Err()
		})
		recorder := request(handler, http.MethodGet, "/healthz", "")
		Expect(recorder.Code).To(Equal(http.StatusOK))
	})
	It("should answer 503 when the backing store is down", func() {
		handler := newHandler(test.Settings(), func(context.Context) error {
			return errors.New("redis unreachable")
		})
		recorder := request(handler, http.MethodGet, "/healthz", "")
		Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(recorder.Body.String()).To(ContainSubstring("redis unreachable"))
	})
})

var _ = Describe("metadata passthrough", func() {
	It("should keep metadata on the stored document", func() {
		handler := newHandler(test.Settings(), nil)
		recorder := request(handler, http.MethodPost, "/usage/api.calls", `{"customerId":"cust_1","value":1,"metadata":{"plan":"pro","seats":3}}`)
		Expect(recorder.Code).To(Equal(http.StatusCreated))
		event := decode[metering.Event](recorder)
		Expect(event.Metadata).To(HaveKeyWithValue("plan", "pro"))
		Expect(event.Metadata).To(HaveKeyWithValue("seats", float64(3)))

		listed, err := eventsProvider.List(ctx, events.ListFilter{CustomerID: "cust_1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(listed[0].Metadata).To(HaveKeyWithValue("plan", "pro"))
	})
})

var _ = Describe("NaN and infinity rejection", func() {
	It("should reject non-finite values before storage", func() {
		handler := newHandler(test.Settings(), nil)
		for _, raw := range []string{`"NaN"`, `"Infinity"`} {
			recorder := request(handler, http.MethodPost, "/usage/api.calls", fmt.Sprintf(`{"customerId":"cust_1","value":%s}`, raw))
			// JSON has no NaN literal; a string value fails decoding outright
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		}
	})
})

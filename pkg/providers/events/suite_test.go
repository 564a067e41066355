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

package events_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/operators"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/events"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/test"
)

var (
	ctx      context.Context
	env      *test.Environment
	provider *events.RedisProvider
)

func TestEvents(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Events")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
	provider = events.NewRedisProvider(env.Client)
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

var noon = time.Date(2026, 1, 13, 12, 0, 0, 0, time.UTC)

var _ = Describe("Insert", func() {
	It("should make the event visible to every read path", func() {
		event := test.Event("cust_1", "api.calls", 42, noon)
		Expect(provider.Insert(ctx, event)).To(Succeed())

		customers, err := provider.ScanCustomers(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(customers).To(Equal([]string{"cust_1"}))

		found, err := provider.QueryForAggregation(ctx, "cust_1", "api.calls", "day", event.Day, operators.Sum)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(1))
		Expect(found[0].ID).To(Equal(event.ID))
		Expect(found[0].Value).To(Equal(42.0))

		any, err := provider.AnyInPeriod(ctx, "day", event.Day)
		Expect(err).ToNot(HaveOccurred())
		Expect(any).To(BeTrue())

		count, err := provider.Count(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(int64(1)))
	})
})

var _ = Describe("ScanCustomers", func() {
	It("should return distinct customers in sorted order", func() {
		for _, customer := range []string{"cust_b", "cust_a", "cust_b", "cust_c"} {
			Expect(provider.Insert(ctx, test.Event(customer, "api.calls", 1, noon))).To(Succeed())
		}
		customers, err := provider.ScanCustomers(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(customers).To(Equal([]string{"cust_a", "cust_b", "cust_c"}))
	})
	It("should return empty with no events", func() {
		customers, err := provider.ScanCustomers(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(customers).To(BeEmpty())
	})
})

var _ = Describe("QueryForAggregation", func() {
	It("should scope results to the exact customer, event type and period", func() {
		Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", 1, noon))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_2", "api.calls", 2, noon))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_1", "response.time.ms", 3, noon))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", 4, noon.Add(24*time.Hour)))).To(Succeed())

		found, err := provider.QueryForAggregation(ctx, "cust_1", "api.calls", "day", "20260113", operators.Sum)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(1))
		Expect(found[0].Value).To(Equal(1.0))
	})
	It("should sort ascending for first with insertion-order tie-break", func() {
		first := test.Event("cust_1", "api.calls", 111, noon)
		tied := test.Event("cust_1", "api.calls", 222, noon)
		later := test.Event("cust_1", "api.calls", 333, noon.Add(time.Minute))
		Expect(provider.Insert(ctx, later)).To(Succeed())
		Expect(provider.Insert(ctx, first)).To(Succeed())
		Expect(provider.Insert(ctx, tied)).To(Succeed())

		found, err := provider.QueryForAggregation(ctx, "cust_1", "api.calls", "day", "20260113", operators.First)
		Expect(err).ToNot(HaveOccurred())
		Expect(found[0].Value).To(Equal(111.0))
		Expect(found[1].Value).To(Equal(222.0))
		Expect(found[2].Value).To(Equal(333.0))
	})
	It("should sort descending for last, preserving insertion order within ties", func() {
		tiedA := test.Event("cust_1", "api.calls", 900, noon.Add(time.Minute))
		tiedB := test.Event("cust_1", "api.calls", 999, noon.Add(time.Minute))
		earlier := test.Event("cust_1", "api.calls", 100, noon)
		Expect(provider.Insert(ctx, tiedA)).To(Succeed())
		Expect(provider.Insert(ctx, tiedB)).To(Succeed())
		Expect(provider.Insert(ctx, earlier)).To(Succeed())

		found, err := provider.QueryForAggregation(ctx, "cust_1", "api.calls", "day", "20260113", operators.Last)
		Expect(err).ToNot(HaveOccurred())
		Expect(found[0].Value).To(Equal(900.0))
		Expect(found[1].Value).To(Equal(999.0))
		Expect(found[2].Value).To(Equal(100.0))
	})
	It("should return empty for an unknown tuple", func() {
		found, err := provider.QueryForAggregation(ctx, "cust_x", "api.calls", "day", "20260113", operators.Sum)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeEmpty())
	})
})

var _ = Describe("AnyInPeriod", func() {
	It("should be false for period keys no event carries", func() {
		Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", 1, noon))).To(Succeed())
		any, err := provider.AnyInPeriod(ctx, "day", "20990101")
		Expect(err).ToNot(HaveOccurred())
		Expect(any).To(BeFalse())
	})
})

var _ = Describe("List", func() {
	It("should return events newest first, honoring the limit", func() {
		for i := 0; i < 5; i++ {
			Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", float64(i), noon.Add(time.Duration(i)*time.Minute)))).To(Succeed())
		}
		found, err := provider.List(ctx, events.ListFilter{Limit: 3})
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(3))
		Expect(found[0].Value).To(Equal(4.0))
		Expect(found[1].Value).To(Equal(3.0))
		Expect(found[2].Value).To(Equal(2.0))
	})
	It("should filter by customer, event type and time range", func() {
		Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", 1, noon))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_1", "response.time.ms", 2, noon.Add(time.Minute)))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_2", "api.calls", 3, noon.Add(2*time.Minute)))).To(Succeed())
		Expect(provider.Insert(ctx, test.Event("cust_1", "api.calls", 4, noon.Add(time.Hour)))).To(Succeed())

		found, err := provider.List(ctx, events.ListFilter{CustomerID: "cust_1", EventType: "api.calls"})
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(2))
		Expect(found[0].Value).To(Equal(4.0))
		Expect(found[1].Value).To(Equal(1.0))

		to := noon.Add(30 * time.Minute)
		found, err = provider.List(ctx, events.ListFilter{CustomerID: "cust_1", From: &noon, To: &to})
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(HaveLen(2))
		Expect(found[0].Value).To(Equal(2.0))
		Expect(found[1].Value).To(Equal(1.0))
	})
})

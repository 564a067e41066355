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

package lock_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/RestDB/codehooks-io-templates-sub000/pkg/apis/metering"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/providers/lock"
	"github.com/RestDB/codehooks-io-templates-sub000/pkg/test"
)

var (
	ctx       context.Context
	env       *test.Environment
	fakeClock *clocktesting.FakeClock
	provider  *lock.RedisProvider
)

func TestLock(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers/Lock")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
	fakeClock = clocktesting.NewFakeClock(time.Date(2026, 1, 13, 14, 0, 0, 0, time.UTC))
	provider = lock.NewRedisProvider(env.Client, fakeClock)
})

var _ = AfterSuite(func() {
	env.Stop()
})

var _ = BeforeEach(func() {
	env.Reset()
})

var key = metering.LockKey("cust_1_daily_20260112")

var _ = Describe("RedisProvider", func() {
	It("should grant the lock to exactly one claimant", func() {
		acquired, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())

		acquired, err = provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeFalse())
	})
	It("should keep distinct keys independent", func() {
		acquired, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())

		acquired, err = provider.Acquire(ctx, metering.LockKey("cust_2_daily_20260112"), lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())
	})
	It("should free the lock on release", func() {
		_, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.Release(ctx, key)).To(Succeed())

		acquired, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())
	})
	It("should expire an abandoned lock after the ttl", func() {
		_, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())

		env.Redis.FastForward(lock.TTL + time.Second)

		acquired, err := provider.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())
	})
	It("should tolerate releasing a lock that is not held", func() {
		Expect(provider.Release(ctx, key)).To(Succeed())
	})
})

var _ = Describe("InMemoryProvider", func() {
	It("should behave like the redis variant for acquire and release", func() {
		memory := lock.NewInMemoryProvider(fakeClock)

		acquired, err := memory.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())

		acquired, err = memory.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeFalse())

		Expect(memory.Release(ctx, key)).To(Succeed())
		acquired, err = memory.Acquire(ctx, key, lock.TTL)
		Expect(err).ToNot(HaveOccurred())
		Expect(acquired).To(BeTrue())
	})
})

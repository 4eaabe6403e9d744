/*
Copyright 2025 GuardAnt Authors.

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

package bus_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
)

var _ = Describe("Event bus", func() {
	var b *bus.Bus

	BeforeEach(func() {
		b = bus.New(zap.NewNop())
	})

	AfterEach(func() {
		b.Close()
	})

	It("delivers events only to matching subscribers", func() {
		checks := b.Subscribe(4, bus.KindCheckResult)
		failovers := b.Subscribe(4, bus.KindFailoverTriggered)

		b.Publish(bus.KindCheckResult, "payload")

		Eventually(checks.C).Should(Receive(WithTransform(
			func(ev bus.Event) bus.Kind { return ev.Kind },
			Equal(bus.KindCheckResult))))
		Consistently(failovers.C).ShouldNot(Receive())
	})

	It("stamps events with a timestamp and payload", func() {
		sub := b.Subscribe(1, bus.KindDataStored)
		b.Publish(bus.KindDataStored, 42)

		var ev bus.Event
		Eventually(sub.C).Should(Receive(&ev))
		Expect(ev.Payload).To(Equal(42))
		Expect(ev.Timestamp).NotTo(BeZero())
	})

	It("drops rather than blocks when a subscriber falls behind", func() {
		sub := b.Subscribe(1, bus.KindCheckResult)
		b.Publish(bus.KindCheckResult, 1)
		b.Publish(bus.KindCheckResult, 2)
		b.Publish(bus.KindCheckResult, 3)

		Eventually(b.Dropped).Should(BeNumerically(">=", uint64(1)))
		var ev bus.Event
		Eventually(sub.C).Should(Receive(&ev))
		Expect(ev.Payload).To(Equal(1))
	})

	It("stops delivery after unsubscribe", func() {
		sub := b.Subscribe(4, bus.KindCheckResult)
		sub.Unsubscribe()
		b.Publish(bus.KindCheckResult, "late")
		Eventually(sub.C).Should(BeClosed())
	})
})

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

package failover

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

func sampleAt(ts time.Time, success bool, rt time.Duration) types.HealthSample {
	return types.HealthSample{Timestamp: ts, Success: success, ResponseTime: rt}
}

var _ = Describe("Metrics window", func() {
	It("prunes samples past the retention horizon", func() {
		w := newWindow(10 * time.Minute)
		now := time.Now()
		w.add(sampleAt(now.Add(-20*time.Minute), true, time.Millisecond))
		w.add(sampleAt(now.Add(-15*time.Minute), true, time.Millisecond))
		w.add(sampleAt(now, true, time.Millisecond))
		Expect(w.samples).To(HaveLen(1))
	})

	It("computes the error rate in percent", func() {
		w := newWindow(time.Hour)
		now := time.Now()
		w.add(sampleAt(now, true, time.Millisecond))
		w.add(sampleAt(now, false, 0))
		w.add(sampleAt(now, false, 0))
		w.add(sampleAt(now, true, time.Millisecond))
		Expect(w.errorRate(0)).To(Equal(50.0))
		Expect(w.availability(0)).To(Equal(50.0))
	})

	It("treats an empty window as fully available", func() {
		w := newWindow(time.Hour)
		Expect(w.errorRate(0)).To(Equal(0.0))
		Expect(w.availability(0)).To(Equal(100.0))
	})

	It("averages only successful response times, in milliseconds", func() {
		w := newWindow(time.Hour)
		now := time.Now()
		w.add(sampleAt(now, true, 100*time.Millisecond))
		w.add(sampleAt(now, false, 5*time.Second)) // failures don't count
		w.add(sampleAt(now, true, 300*time.Millisecond))
		Expect(w.avgResponseTime(0)).To(Equal(200.0))
	})

	It("bounds a metric to the condition's span", func() {
		w := newWindow(time.Hour)
		now := time.Now()
		w.add(sampleAt(now.Add(-30*time.Minute), false, 0))
		w.add(sampleAt(now, true, time.Millisecond))
		Expect(w.errorRate(0)).To(Equal(50.0))
		Expect(w.errorRate(time.Minute)).To(Equal(0.0))
	})

	It("dispatches named metrics", func() {
		w := newWindow(time.Hour)
		now := time.Now()
		w.add(sampleAt(now, true, 40*time.Millisecond))
		w.add(sampleAt(now, false, 0))
		Expect(w.metric(types.MetricErrorRate, 0)).To(Equal(50.0))
		Expect(w.metric(types.MetricAvailability, 0)).To(Equal(50.0))
		Expect(w.metric(types.MetricResponseTime, 0)).To(Equal(40.0))
		Expect(w.metric(types.MetricCustom, 0)).To(Equal(0.0))
	})

	DescribeTable("condition operators",
		func(value float64, operator string, threshold float64, want bool) {
			Expect(compare(value, operator, threshold)).To(Equal(want))
		},
		Entry("gt holds", 5.0, "gt", 4.0, true),
		Entry("gt fails at equality", 4.0, "gt", 4.0, false),
		Entry("gte holds at equality", 4.0, "gte", 4.0, true),
		Entry("lt holds", 3.0, "lt", 4.0, true),
		Entry("lte holds at equality", 4.0, "lte", 4.0, true),
		Entry("eq holds", 4.0, "eq", 4.0, true),
		Entry("eq fails", 4.1, "eq", 4.0, false),
		Entry("unknown operator never fires", 4.0, "between", 4.0, false),
	)
})

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

package metrics_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/m00npl/guardant-sub002/pkg/metrics"
)

var _ = Describe("NewWithRegistry", func() {
	It("falls back to a private registry when handed nil", func() {
		var m *metrics.Metrics
		Expect(func() { m = metrics.NewWithRegistry("test", nil) }).NotTo(Panic())
		Expect(m).NotTo(BeNil())
		Expect(m.Registry).NotTo(BeNil())

		m.ChecksTotal.WithLabelValues("web", "up").Inc()
		Expect(testutil.ToFloat64(m.ChecksTotal.WithLabelValues("web", "up"))).To(Equal(1.0))
	})

	It("isolates repeated constructions from each other", func() {
		a := metrics.NewWithRegistry("test", nil)
		b := metrics.NewWithRegistry("test", nil)
		a.CoalescedTriggers.Inc()
		Expect(testutil.ToFloat64(a.CoalescedTriggers)).To(Equal(1.0))
		Expect(testutil.ToFloat64(b.CoalescedTriggers)).To(BeZero())
	})

	It("registers the instruments on a caller-supplied registry", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewWithRegistry("guardant", reg)
		Expect(m.Registry).To(BeIdenticalTo(reg))

		m.ChecksInFlight.Set(3)
		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())
		names := make([]string, 0, len(families))
		for _, f := range families {
			names = append(names, f.GetName())
		}
		Expect(names).To(ContainElement("guardant_checks_in_flight"))
	})
})

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

package types_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

var _ = Describe("Isolation keys", func() {
	It("prefixes every key with the tenant", func() {
		key := types.IsolationKey("acme", types.DataTypeServiceStatus, "svc-1")
		Expect(key).To(Equal("nest:acme:SERVICE_STATUS:svc-1"))
	})

	It("substitutes default for an empty key", func() {
		key := types.IsolationKey("acme", types.DataTypeSLAData, "")
		Expect(key).To(Equal("nest:acme:SLA_DATA:default"))
	})

	DescribeTable("nest id validation",
		func(id string, valid bool) {
			Expect(types.ValidNestID(id)).To(Equal(valid))
		},
		Entry("simple", "acme", true),
		Entry("with digits and dashes", "acme-2_prod", true),
		Entry("empty", "", false),
		Entry("uppercase rejected", "Acme", false),
		Entry("colon rejected", "a:b", false),
		Entry("too long", strings.Repeat("a", 65), false),
	)
})

var _ = Describe("Error classification", func() {
	It("carries its kind through wrapping", func() {
		base := types.NewError(types.KindStorage, "cache write failed", errors.New("io")) //nolint:err113
		wrapped := fmt.Errorf("storing result: %w", base)
		Expect(types.Kind(wrapped)).To(Equal(types.KindStorage))
	})

	It("classifies context deadline as timeout", func() {
		Expect(types.Kind(context.DeadlineExceeded)).To(Equal(types.KindTimeout))
	})

	It("classifies net timeouts structurally", func() {
		err := &net.DNSError{Err: "i/o timeout", IsTimeout: true}
		Expect(types.Kind(err)).To(Equal(types.KindTimeout))
		Expect(types.TransportClass(err)).To(BeTrue())
	})

	It("never retries validation failures", func() {
		err := types.NewError(types.KindValidation, "bad target", nil)
		Expect(types.Retryable(err)).To(BeFalse())
		Expect(types.TransportClass(err)).To(BeFalse())
	})

	It("retries network and upstream failures", func() {
		Expect(types.Retryable(types.NewError(types.KindNetwork, "refused", nil))).To(BeTrue())
		Expect(types.Retryable(types.NewError(types.KindUpstream, "502", nil))).To(BeTrue())
	})

	It("exposes retry-after on rate limit errors", func() {
		err := types.NewRateLimitError("slow down", 30*time.Second)
		Expect(types.Kind(err)).To(Equal(types.KindRateLimit))
		Expect(err.RetryAfter).To(Equal(30 * time.Second))
	})
})

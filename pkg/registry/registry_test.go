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

package registry_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/registry"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

func webDefinition(nestID, name string) *types.ServiceDefinition {
	return &types.ServiceDefinition{
		NestID:   nestID,
		Name:     name,
		Type:     types.ServiceTypeWeb,
		Target:   "https://example.com/health",
		Interval: time.Minute,
		Timeout:  10 * time.Second,
		Enabled:  true,
	}
}

var _ = Describe("Registry", func() {
	var (
		reg      *registry.Registry
		eventBus *bus.Bus
	)

	BeforeEach(func() {
		eventBus = bus.New(zap.NewNop())
		reg = registry.New(registry.Config{MaxServicesPerNest: 3}, nil, eventBus, zap.NewNop())
	})

	AfterEach(func() {
		eventBus.Close()
	})

	Describe("Create", func() {
		It("registers a valid definition and announces it", func() {
			added := eventBus.Subscribe(4, bus.KindServiceAdded)
			defer added.Unsubscribe()

			def, err := reg.Create(context.Background(), webDefinition("acme", "homepage"))
			Expect(err).NotTo(HaveOccurred())
			Expect(def.ID).NotTo(BeEmpty())
			Expect(def.LastStatus).To(Equal(types.StatusUnknown))

			var ev bus.Event
			Eventually(added.C).Should(Receive(&ev))
			desc, ok := ev.Payload.(*types.ServiceDescriptor)
			Expect(ok).To(BeTrue())
			Expect(desc.ServiceID).To(Equal(def.ID))
			Expect(desc.NestID).To(Equal("acme"))
		})

		DescribeTable("interval bounds",
			func(interval time.Duration, ok bool) {
				def := webDefinition("acme", "svc")
				def.Interval = interval
				_, err := reg.Create(context.Background(), def)
				if ok {
					Expect(err).NotTo(HaveOccurred())
				} else {
					Expect(types.Kind(err)).To(Equal(types.KindValidation))
				}
			},
			Entry("29s is below the floor", 29*time.Second, false),
			Entry("30s is the floor", 30*time.Second, true),
			Entry("24h is the ceiling", 24*time.Hour, true),
			Entry("25h is past the ceiling", 25*time.Hour, false),
		)

		It("rejects non-http schemes for web services", func() {
			def := webDefinition("acme", "svc")
			def.Target = "ftp://example.com"
			_, err := reg.Create(context.Background(), def)
			Expect(types.Kind(err)).To(Equal(types.KindValidation))
		})

		It("rejects tcp targets without a port", func() {
			def := webDefinition("acme", "db")
			def.Type = types.ServiceTypeTCP
			def.Target = "db.internal"
			_, err := reg.Create(context.Background(), def)
			Expect(types.Kind(err)).To(Equal(types.KindValidation))
		})

		It("rejects keyword services without a keyword block", func() {
			def := webDefinition("acme", "kw")
			def.Type = types.ServiceTypeKeyword
			_, err := reg.Create(context.Background(), def)
			Expect(types.Kind(err)).To(Equal(types.KindValidation))
		})

		It("enforces the per-nest service cap", func() {
			for i := 0; i < 3; i++ {
				_, err := reg.Create(context.Background(), webDefinition("acme", fmt.Sprintf("svc-%d", i)))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := reg.Create(context.Background(), webDefinition("acme", "one-too-many"))
			Expect(types.Kind(err)).To(Equal(types.KindValidation))

			// Another nest is unaffected.
			_, err = reg.Create(context.Background(), webDefinition("globex", "svc"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("fills schedule defaults before validating", func() {
			def := webDefinition("acme", "svc")
			def.Timeout = 0
			created, err := reg.Create(context.Background(), def)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Timeout).To(Equal(10 * time.Second))
			Expect(created.RetryDelay).To(Equal(2 * time.Second))
		})

		It("defaults ssl warning days", func() {
			def := webDefinition("acme", "cert")
			def.Type = types.ServiceTypeSSL
			def.Target = "example.com:443"
			created, err := reg.Create(context.Background(), def)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.SSL).NotTo(BeNil())
			Expect(created.SSL.WarningDays).To(Equal(30))
		})
	})

	Describe("Update and Delete", func() {
		It("keeps the engine-owned shadow across updates", func() {
			def, err := reg.Create(context.Background(), webDefinition("acme", "svc"))
			Expect(err).NotTo(HaveOccurred())

			now := time.Now()
			prev, ok := reg.UpdateShadow(def.ID, types.StatusUp, "200 OK", now, 120*time.Millisecond)
			Expect(ok).To(BeTrue())
			Expect(prev).To(Equal(types.StatusUnknown))

			updated := webDefinition("acme", "renamed")
			updated.ID = def.ID
			saved, err := reg.Update(context.Background(), updated)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Name).To(Equal("renamed"))
			Expect(saved.LastStatus).To(Equal(types.StatusUp))
			Expect(saved.StatusMessage).To(Equal("200 OK"))
		})

		It("refuses cross-nest updates", func() {
			def, err := reg.Create(context.Background(), webDefinition("acme", "svc"))
			Expect(err).NotTo(HaveOccurred())

			hijack := webDefinition("globex", "svc")
			hijack.ID = def.ID
			_, err = reg.Update(context.Background(), hijack)
			Expect(types.Kind(err)).To(Equal(types.KindNotFound))
		})

		It("removes a service and frees its cap slot", func() {
			removed := eventBus.Subscribe(4, bus.KindServiceRemoved)
			defer removed.Unsubscribe()

			def, err := reg.Create(context.Background(), webDefinition("acme", "svc"))
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.Delete(context.Background(), "acme", def.ID)).To(Succeed())
			Eventually(removed.C).Should(Receive())

			_, err = reg.Get("acme", def.ID)
			Expect(types.Kind(err)).To(Equal(types.KindNotFound))
			Expect(reg.ListByNest("acme")).To(BeEmpty())
		})
	})

	Describe("ToDescriptor", func() {
		It("flattens the definition into the runtime view", func() {
			def := webDefinition("acme", "svc")
			retries := 2
			def.Retries = &retries
			def.Web = &types.WebConfig{Method: "HEAD"}
			created, err := reg.Create(context.Background(), def)
			Expect(err).NotTo(HaveOccurred())

			desc := reg.ToDescriptor(created)
			Expect(desc.ServiceID).To(Equal(created.ID))
			Expect(desc.Type).To(Equal(types.ServiceTypeWeb))
			Expect(desc.Target).To(Equal("https://example.com/health"))
			Expect(desc.Retries).To(Equal(2))
			Expect(desc.Web.Method).To(Equal("HEAD"))
		})

		It("marks unset retries so the engine can apply its default", func() {
			created, err := reg.Create(context.Background(), webDefinition("acme", "svc"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Retries).To(BeNil())
			Expect(reg.ToDescriptor(created).Retries).To(Equal(-1))
		})

		It("keeps an explicit zero distinct from unset", func() {
			def := webDefinition("acme", "svc")
			zero := 0
			def.Retries = &zero
			created, err := reg.Create(context.Background(), def)
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.ToDescriptor(created).Retries).To(Equal(0))
		})
	})

	Describe("ListEnabled", func() {
		It("returns only enabled definitions", func() {
			_, err := reg.Create(context.Background(), webDefinition("acme", "on"))
			Expect(err).NotTo(HaveOccurred())
			off := webDefinition("acme", "off")
			off.Enabled = false
			_, err = reg.Create(context.Background(), off)
			Expect(err).NotTo(HaveOccurred())

			enabled := reg.ListEnabled()
			Expect(enabled).To(HaveLen(1))
			Expect(enabled[0].Name).To(Equal("on"))
		})
	})

	Describe("Templates", func() {
		It("produces a valid definition from the basic-web template", func() {
			def := &types.ServiceDefinition{
				NestID: "acme",
				Name:   "templated",
				Target: "https://example.com",
			}
			Expect(registry.FromTemplate("basic-web", def)).To(BeTrue())
			created, err := reg.Create(context.Background(), def)
			Expect(err).NotTo(HaveOccurred())
			Expect(created.Web.FollowRedirects).To(BeTrue())
			Expect(created.Interval).To(Equal(time.Minute))
		})

		It("leaves the definition alone for unknown template names", func() {
			def := &types.ServiceDefinition{NestID: "acme"}
			Expect(registry.FromTemplate("no-such-template", def)).To(BeFalse())
			Expect(def.Type).To(BeZero())
		})
	})
})

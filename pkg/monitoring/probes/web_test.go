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

package probes

import (
	"context"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

var _ = Describe("Web probe", func() {
	var probe *WebProbe

	BeforeEach(func() {
		probe = NewWebProbe()
	})

	It("reports up for a 2xx response", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		res, err := probe.Probe(context.Background(), descriptor(types.ServiceTypeWeb, srv.URL))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))
		Expect(res.Message).To(Equal("HTTP 200"))
		Expect(res.ResponseTime).To(BeNumerically(">", 0))
	})

	It("reports down for a 5xx response", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		res, err := probe.Probe(context.Background(), descriptor(types.ServiceTypeWeb, srv.URL))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
		Expect(res.Message).To(ContainSubstring("500"))
	})

	It("honors an explicit accepted-status list", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))
		defer srv.Close()

		desc := descriptor(types.ServiceTypeWeb, srv.URL)
		desc.Web = &types.WebConfig{AcceptedStatus: []int{418}}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))

		// The same response without the list is a failure.
		res, err = probe.Probe(context.Background(), descriptor(types.ServiceTypeWeb, srv.URL))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
	})

	It("sends the configured method, headers and basic auth", func() {
		var got *http.Request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Clone(context.Background())
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		desc := descriptor(types.ServiceTypeWeb, srv.URL)
		desc.Web = &types.WebConfig{
			Method:   http.MethodHead,
			Headers:  map[string]string{"X-Check": "guardant"},
			Username: "monitor",
			Password: "hunter2",
		}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))
		Expect(got.Method).To(Equal(http.MethodHead))
		Expect(got.Header.Get("X-Check")).To(Equal("guardant"))
		user, pass, ok := got.BasicAuth()
		Expect(ok).To(BeTrue())
		Expect(user).To(Equal("monitor"))
		Expect(pass).To(Equal("hunter2"))
	})

	It("stops at the final response when redirects are disabled", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		}))
		defer srv.Close()

		desc := descriptor(types.ServiceTypeWeb, srv.URL)
		desc.Web = &types.WebConfig{FollowRedirects: false}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		// 302 is in the default accepted range.
		Expect(res.Status).To(Equal(types.StatusUp))
		Expect(res.Message).To(Equal("HTTP 302"))
	})

	It("surfaces an unreachable target as a network error", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // nothing listening anymore

		_, err := probe.Probe(context.Background(), descriptor(types.ServiceTypeWeb, srv.URL))
		Expect(err).To(HaveOccurred())
		Expect(types.Kind(err)).To(Equal(types.KindNetwork))
		Expect(types.TransportClass(err)).To(BeTrue())
	})
})

var _ = Describe("Keyword probe", func() {
	var probe *KeywordProbe

	BeforeEach(func() {
		probe = NewKeywordProbe()
	})

	serve := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
	}

	DescribeTable("verdicts",
		func(body, keyword string, mustContain bool, want types.ServiceStatus) {
			srv := serve(body)
			defer srv.Close()
			desc := descriptor(types.ServiceTypeKeyword, srv.URL)
			desc.Keyword = &types.KeywordConfig{Keyword: keyword, MustContain: mustContain}
			res, err := probe.Probe(context.Background(), desc)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(want))
		},
		Entry("required keyword present", "status: all systems operational", "operational", true, types.StatusUp),
		Entry("required keyword missing", "status: outage", "operational", true, types.StatusDown),
		Entry("forbidden keyword present", "fatal error in handler", "error", false, types.StatusDown),
		Entry("forbidden keyword absent", "all good here", "error", false, types.StatusUp),
	)

	It("matches case-insensitively by default", func() {
		srv := serve("Status: OPERATIONAL")
		defer srv.Close()
		desc := descriptor(types.ServiceTypeKeyword, srv.URL)
		desc.Keyword = &types.KeywordConfig{Keyword: "operational", MustContain: true}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))

		desc.Keyword.CaseSensitive = true
		res, err = probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
	})

	It("rejects a missing keyword config", func() {
		_, err := probe.Probe(context.Background(), descriptor(types.ServiceTypeKeyword, "http://example.com"))
		Expect(types.Kind(err)).To(Equal(types.KindValidation))
	})
})

var _ = Describe("Assertion probe", func() {
	var probe *AssertionProbe

	BeforeEach(func() {
		probe = NewAssertionProbe()
	})

	serveJSON := func(code int, body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		}))
	}

	It("passes when the jq path matches the expected value", func() {
		srv := serveJSON(200, `{"status":"ok","uptime":123}`)
		defer srv.Close()
		desc := descriptor(types.ServiceTypeCustom, srv.URL)
		desc.Assertion = &types.AssertionConfig{JSONPath: ".status", ExpectedValue: "ok"}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))
	})

	It("fails with the observed value in the message", func() {
		srv := serveJSON(200, `{"status":"degraded"}`)
		defer srv.Close()
		desc := descriptor(types.ServiceTypeCustom, srv.URL)
		desc.Assertion = &types.AssertionConfig{JSONPath: ".status", ExpectedValue: "ok"}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
		Expect(res.Message).To(ContainSubstring(`"degraded"`))
	})

	It("asserts truthiness when no expected value is given", func() {
		srv := serveJSON(200, `{"healthy":false}`)
		defer srv.Close()
		desc := descriptor(types.ServiceTypeCustom, srv.URL)
		desc.Assertion = &types.AssertionConfig{JSONPath: ".healthy"}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
	})

	It("requires every configured predicate to hold", func() {
		srv := serveJSON(200, `{"status":"ok","version":"v2.1.0"}`)
		defer srv.Close()
		desc := descriptor(types.ServiceTypeUptimeAPI, srv.URL)
		desc.Assertion = &types.AssertionConfig{
			StatusCodes:   []int{200},
			Regex:         `"version":"v2\.`,
			JSONPath:      ".status",
			ExpectedValue: "ok",
		}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusUp))
		Expect(res.Message).To(Equal("all assertions hold"))
	})

	It("fails on a status code outside the accepted set", func() {
		srv := serveJSON(503, `{"status":"ok"}`)
		defer srv.Close()
		desc := descriptor(types.ServiceTypeCustom, srv.URL)
		desc.Assertion = &types.AssertionConfig{StatusCodes: []int{200}}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
	})

	It("treats a non-JSON body as a failed assertion, not an error", func() {
		srv := serveJSON(200, "<html>not json</html>")
		defer srv.Close()
		desc := descriptor(types.ServiceTypeCustom, srv.URL)
		desc.Assertion = &types.AssertionConfig{JSONPath: ".status", ExpectedValue: "ok"}
		res, err := probe.Probe(context.Background(), desc)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(types.StatusDown))
		Expect(res.Message).To(Equal("response body is not JSON"))
	})
})

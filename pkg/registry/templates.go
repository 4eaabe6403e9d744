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

package registry

import (
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

func retryCount(n int) *int { return &n }

// Template pre-fills a definition for a common monitoring shape; the
// caller supplies identity and target, everything else has working
// defaults.
type Template struct {
	Name        string
	Description string
	Apply       func(def *types.ServiceDefinition)
}

// Templates returns the built-in definition templates.
func Templates() []Template {
	return []Template{
		{
			Name:        "basic-web",
			Description: "HTTP GET expecting 2xx/3xx every minute",
			Apply: func(def *types.ServiceDefinition) {
				def.Type = types.ServiceTypeWeb
				def.Interval = time.Minute
				def.Timeout = 10 * time.Second
				def.Retries = retryCount(2)
				def.Enabled = true
				def.Web = &types.WebConfig{
					Method:          "GET",
					FollowRedirects: true,
					MaxRedirects:    5,
					AcceptedStatus:  []int{200, 201, 204, 301, 302},
				}
			},
		},
		{
			Name:        "api-endpoint",
			Description: "JSON API probe asserting a status field",
			Apply: func(def *types.ServiceDefinition) {
				def.Type = types.ServiceTypeCustom
				def.Interval = time.Minute
				def.Timeout = 10 * time.Second
				def.Retries = retryCount(2)
				def.Enabled = true
				def.Assertion = &types.AssertionConfig{
					JSONPath:      ".status",
					ExpectedValue: "ok",
					StatusCodes:   []int{200},
					Headers:       map[string]string{"Accept": "application/json"},
				}
			},
		},
		{
			Name:        "database-tcp",
			Description: "TCP connect against a database port",
			Apply: func(def *types.ServiceDefinition) {
				def.Type = types.ServiceTypeTCP
				def.Interval = time.Minute
				def.Timeout = 5 * time.Second
				def.Retries = retryCount(3)
				def.Enabled = true
				def.TCP = &types.TCPConfig{Network: "tcp"}
			},
		},
	}
}

// FromTemplate applies the named template to def; unknown names leave
// def untouched and report false.
func FromTemplate(name string, def *types.ServiceDefinition) bool {
	for _, t := range Templates() {
		if t.Name == name {
			t.Apply(def)
			return true
		}
	}
	return false
}

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
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

var (
	hostnamePattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$|^localhost$`)
	repoPattern     = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

// Validator checks service definitions: struct-level rules via
// validator/v10 plus per-type target formats and schedule bounds.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds the definition validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate returns a validation-kind error describing the first
// problem found, or nil.
func (v *Validator) Validate(def *types.ServiceDefinition) error {
	if !types.ValidNestID(def.NestID) {
		return types.NewError(types.KindValidation, "invalid nest id: "+def.NestID, nil)
	}
	if err := v.validate.Struct(def); err != nil {
		return types.NewError(types.KindValidation, "definition rejected", err)
	}
	if def.Interval < types.MinInterval || def.Interval > types.MaxInterval {
		return types.NewError(types.KindValidation,
			fmt.Sprintf("interval %s outside [%s, %s]", def.Interval, types.MinInterval, types.MaxInterval), nil)
	}
	if def.Timeout <= 0 {
		return types.NewError(types.KindValidation, "timeout must be positive", nil)
	}
	if err := validateTarget(def); err != nil {
		return err
	}
	return validateTypeConfig(def)
}

// validateTarget enforces the per-type target format.
func validateTarget(def *types.ServiceDefinition) error {
	reject := func(format string) error {
		return types.NewError(types.KindValidation,
			fmt.Sprintf("%s target %q must be %s", def.Type, def.Target, format), nil)
	}
	switch def.Type {
	case types.ServiceTypeWeb, types.ServiceTypeKeyword, types.ServiceTypeCustom, types.ServiceTypeUptimeAPI:
		u, err := url.Parse(def.Target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return reject("http(s)://host[:port]/path")
		}
	case types.ServiceTypeTCP, types.ServiceTypePort:
		host, port, err := net.SplitHostPort(def.Target)
		if err != nil || host == "" {
			return reject("host:port")
		}
		if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
			return reject("host:port with port in [1, 65535]")
		}
	case types.ServiceTypePing:
		if def.Target == "" || strings.ContainsAny(def.Target, "/ ") {
			return reject("a bare hostname or IP")
		}
	case types.ServiceTypeDNS:
		if !hostnamePattern.MatchString(def.Target) && net.ParseIP(def.Target) == nil {
			return reject("a resolvable hostname")
		}
	case types.ServiceTypeSSL:
		host := def.Target
		if h, _, err := net.SplitHostPort(def.Target); err == nil {
			host = h
		}
		if !hostnamePattern.MatchString(host) && net.ParseIP(host) == nil {
			return reject("host[:port]")
		}
	case types.ServiceTypeHeartbeat:
		if def.Target == "" {
			return reject("a logical heartbeat id")
		}
	case types.ServiceTypeGitHub:
		if !repoPattern.MatchString(def.Target) {
			return reject("owner/repo")
		}
	case types.ServiceTypeAWSHealth, types.ServiceTypeAzureHealth, types.ServiceTypeGCPHealth,
		types.ServiceTypeKubernetes, types.ServiceTypeDocker:
		// Target is advisory for provider/container checks; the typed
		// config block carries the real selector.
	default:
		return types.NewError(types.KindValidation, "unknown service type: "+string(def.Type), nil)
	}
	return nil
}

// validateTypeConfig enforces required sub-configuration.
func validateTypeConfig(def *types.ServiceDefinition) error {
	missing := func(block string) error {
		return types.NewError(types.KindValidation,
			fmt.Sprintf("%s service requires the %s configuration block", def.Type, block), nil)
	}
	switch def.Type {
	case types.ServiceTypeKeyword:
		if def.Keyword == nil || def.Keyword.Keyword == "" {
			return missing("keyword")
		}
	case types.ServiceTypeHeartbeat:
		if def.Heartbeat == nil || def.Heartbeat.ExpectedInterval <= 0 {
			return missing("heartbeat")
		}
	case types.ServiceTypeDNS:
		if def.DNS != nil && def.DNS.Resolver != "" {
			if _, _, err := net.SplitHostPort(def.DNS.Resolver); err != nil {
				return types.NewError(types.KindValidation, "dns resolver must be host:port", nil)
			}
		}
	case types.ServiceTypeKubernetes, types.ServiceTypeDocker:
		if def.Container == nil || def.Container.ExpectedRunning <= 0 {
			return missing("container")
		}
	case types.ServiceTypeCustom, types.ServiceTypeUptimeAPI:
		if def.Assertion == nil {
			return missing("assertion")
		}
		if def.Assertion.JSONPath == "" && def.Assertion.Regex == "" && len(def.Assertion.StatusCodes) == 0 {
			return types.NewError(types.KindValidation,
				"assertion requires a jsonPath, regex or statusCodes predicate", nil)
		}
	}
	return nil
}

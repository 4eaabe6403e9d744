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

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// window is the per-endpoint rolling metrics window. Samples are
// appended by the sampling loop and pruned to the retention horizon;
// the detection loop reads it under the endpoint's lock.
type window struct {
	samples   []types.HealthSample
	retention time.Duration
}

func newWindow(retention time.Duration) *window {
	if retention <= 0 {
		retention = time.Hour
	}
	return &window{retention: retention}
}

func (w *window) add(s types.HealthSample) {
	w.samples = append(w.samples, s)
	w.prune(s.Timestamp)
}

func (w *window) prune(now time.Time) {
	horizon := now.Add(-w.retention)
	cut := 0
	for cut < len(w.samples) && w.samples[cut].Timestamp.Before(horizon) {
		cut++
	}
	if cut > 0 {
		w.samples = append(w.samples[:0], w.samples[cut:]...)
	}
}

// recent returns samples no older than span; zero span means all.
func (w *window) recent(span time.Duration) []types.HealthSample {
	if span <= 0 {
		return w.samples
	}
	horizon := time.Now().Add(-span)
	for i, s := range w.samples {
		if !s.Timestamp.Before(horizon) {
			return w.samples[i:]
		}
	}
	return nil
}

// errorRate is the failed fraction in percent over span.
func (w *window) errorRate(span time.Duration) float64 {
	samples := w.recent(span)
	if len(samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range samples {
		if !s.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(samples)) * 100
}

// availability is the success fraction in percent over span.
func (w *window) availability(span time.Duration) float64 {
	samples := w.recent(span)
	if len(samples) == 0 {
		return 100
	}
	return 100 - w.errorRate(span)
}

// avgResponseTime averages successful samples over span, in
// milliseconds.
func (w *window) avgResponseTime(span time.Duration) float64 {
	samples := w.recent(span)
	var sum time.Duration
	n := 0
	for _, s := range samples {
		if s.Success {
			sum += s.ResponseTime
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum.Milliseconds()) / float64(n)
}

// healthyAverage is the rolling average of successful samples used for
// the degraded heuristic.
func (w *window) healthyAverage() time.Duration {
	var sum time.Duration
	n := 0
	for _, s := range w.samples {
		if s.Success {
			sum += s.ResponseTime
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// metric computes one named quantity for condition evaluation.
func (w *window) metric(name types.ConditionMetric, span time.Duration) float64 {
	switch name {
	case types.MetricResponseTime:
		return w.avgResponseTime(span)
	case types.MetricErrorRate:
		return w.errorRate(span)
	case types.MetricAvailability:
		return w.availability(span)
	default:
		return 0
	}
}

// compare applies a condition operator.
func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

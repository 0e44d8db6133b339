// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewSampler creates an OpenTelemetry sampler from the configuration.
// Sampling that is disabled, or a rate at or above 1.0, samples everything.
func NewSampler(cfg SamplingConfig) sdktrace.Sampler {
	if !cfg.Enabled || cfg.Rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}

	if cfg.Rate <= 0.0 {
		if cfg.AlwaysSampleErrors {
			return &errorAwareSampler{base: sdktrace.NeverSample()}
		}
		return sdktrace.NeverSample()
	}

	base := sdktrace.TraceIDRatioBased(cfg.Rate)
	if cfg.AlwaysSampleErrors {
		return &errorAwareSampler{base: base}
	}
	return base
}

// errorAwareSampler wraps a base sampler to always sample spans that carry
// an error attribute at start time. Head sampling only sees start-time
// attributes, so callers that want guaranteed capture must set the flag
// when the span is created.
type errorAwareSampler struct {
	base sdktrace.Sampler
}

func (s *errorAwareSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "error" && attr.Value.AsBool() {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(params)
}

func (s *errorAwareSampler) Description() string {
	return "ErrorAwareSampler{base=" + s.base.Description() + "}"
}

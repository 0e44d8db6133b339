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
	"time"
)

// Config holds observability configuration for the daemon.
type Config struct {
	// Enabled controls whether the OpenTelemetry provider is constructed.
	// When false the daemon runs with a no-op tracer and no metrics listener.
	Enabled bool

	// ServiceName identifies this service in traces (default: "bifrost").
	ServiceName string

	// ServiceVersion is the application version reported on the resource.
	ServiceVersion string

	// MetricsAddr is the listen address for the Prometheus metrics and
	// health endpoints (default: "127.0.0.1:9464").
	MetricsAddr string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporters configures span export destinations. Without any, spans
	// stay in-process and only metrics leave the daemon.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch.
	BatchSize int

	// BatchInterval is how often pending spans are flushed.
	BatchInterval time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling (default: false, meaning sample all).
	Enabled bool

	// Rate is the fraction of traces to sample (0.0 - 1.0).
	// A rate of 1.0 samples every trace.
	Rate float64

	// AlwaysSampleErrors samples all traces flagged as errors regardless
	// of the configured rate.
	AlwaysSampleErrors bool
}

// ExporterConfig defines one span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp" (gRPC), "otlp-http", or "console".
	Type string

	// Endpoint is the OTLP receiver address (host:port).
	Endpoint string

	// Headers are additional headers sent with every export, typically
	// for authentication.
	Headers map[string]string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool
}

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "bifrost"

// DefaultMetricsAddr is used when Config.MetricsAddr is empty.
const DefaultMetricsAddr = "127.0.0.1:9464"

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

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service in traces.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the application version.
	ServiceVersion string `yaml:"service_version"`

	// SampleRate is the fraction of root spans to record (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate"`

	// Exporters configures span export destinations.
	Exporters []ExporterConfig `yaml:"exporters"`

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int `yaml:"batch_size"`

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration `yaml:"batch_interval"`
}

// ExporterConfig defines a span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "console", "otlp", or "otlp-http".
	Type string `yaml:"type"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS (for development only).
	Insecure bool `yaml:"insecure"`

	// CACertPath is an optional CA certificate for verifying the receiver.
	CACertPath string `yaml:"ca_cert_path"`

	// Headers are additional headers sent with each export.
	Headers map[string]string `yaml:"headers"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false, // Opt-in
		ServiceName:    "stepwise",
		ServiceVersion: "unknown",
		SampleRate:     1.0,
		BatchSize:      512,
		BatchInterval:  5 * time.Second,
	}
}

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

/*
Package tracing sets up the OpenTelemetry tracer provider used for plan runs.

Tracing is opt-in. A disabled configuration yields a no-op provider, so
callers never need to check whether tracing is on:

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    Enabled:     true,
	    ServiceName: "stepwise",
	    SampleRate:  0.1,
	    Exporters: []tracing.ExporterConfig{
	        {Type: "otlp", Endpoint: "localhost:4317", Insecure: true},
	    },
	})
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

	r := runner.New(manager, runner.WithTracerProvider(provider.TracerProvider()))

Supported exporter types are console (stdout), otlp (gRPC) and otlp-http.
An exporter that cannot be created is logged and skipped.
*/
package tracing

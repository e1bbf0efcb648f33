// Package instrumentation provides OpenTelemetry metrics and tracing for requestgate.
//
// Metrics cover the gate (requests, rejections, inspection latency), security
// (threat matches, honeypot hits, rate limit violations, blocks, rule reloads,
// audit events) and storage (operation counts, latency, active block entries).
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceVersion:  "1.0.0",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.PrometheusHandler())
//
// The Prometheus exporter writes to a dedicated registry, never to the
// global default one, so several gates can live in one process.
//
// # Disabled Mode
//
// With Enabled false every provider is a no-op. All Record* methods and span
// helpers accept nil receivers, so callers never need to check.
//
// # Privacy
//
// Client IPs are attached to spans only when Config.LogClientIPs is set.
package instrumentation

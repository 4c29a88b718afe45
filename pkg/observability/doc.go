// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry setup and graceful shutdown for the SAML
// proxy.
//
// The Logger wraps log/slog with a JSON handler and context plumbing so
// that every log line produced while handling an authentication attempt
// carries the request id and the entity ids involved. Metrics cover the
// broker state machine (ingested requests, issued and denied assertions),
// the access-control engine, the correlation store and the metadata
// resolver.
package observability

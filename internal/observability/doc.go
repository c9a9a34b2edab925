// Package observability builds the service logger and the Prometheus
// collectors that record pipeline stage latency, emitted frames and request
// outcomes.
package observability

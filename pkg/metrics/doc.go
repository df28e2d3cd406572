// Package metrics registers the Prometheus collectors exposed on /metrics
// by both host and runner.
package metrics

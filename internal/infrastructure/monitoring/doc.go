// Package monitoring provides Prometheus metrics for session lifecycle,
// delivery-unit volume, and the HTTP surface, plus the gin middleware that
// records request metrics.
package monitoring

// Package api exposes the operations daemon over HTTP: job submission and
// inspection, proposal previews, health checks and Prometheus metrics.
package api

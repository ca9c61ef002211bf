// Package metrics exposes Prometheus instruments for the HTTP API and for
// wallet connect attempts.
package metrics

// Package metrics registers the Prometheus collectors for the HTTP API, the
// settlement engine and the submission pipeline.
package metrics

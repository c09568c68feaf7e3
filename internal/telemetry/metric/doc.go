// Package metric exposes node metrics in Prometheus format.
//
// Registry implements the metrics hooks of the network, rpc, datasync,
// cluster and task packages, so every component reports into one
// prometheus.Registry. Server serves it at /metrics next to a /healthz
// probe.
package metric

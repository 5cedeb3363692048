// Package metrics exposes the kernel's Prometheus instrumentation:
// gauges and counters for queue depth, task outcomes, and provider
// health, plus a Timer helper for histogram observations. Grounded on
// the GaugeVec/CounterVec/Timer pattern used throughout the retrieval
// pack's cluster-orchestration metrics package.
package metrics

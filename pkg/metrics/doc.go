/*
Package metrics provides Prometheus metrics collection and exposition.

All metrics are registered on the default registry at package init and
exposed through Handler() at /metrics. Lifecycle counters track state
creation, leasing, transitions and retries; the reaper and graph validator
contribute their own counters; API instrumentation records request counts
and latency per method.

The Timer helper wraps the start-observe pattern for histogram
observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "lease")
*/
package metrics

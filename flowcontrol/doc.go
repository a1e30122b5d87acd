/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

/*
Package flowcontrol provides an in-process backpressure engine for a single worker or consumer.

For every unit of work FlowControl makes an admission decision based on live health signals
(throughput, p95 processing latency, buffer occupancy, error rate, externally sampled memory and CPU usage)
and on a circuit breaker that opens after consecutive processing failures:

  - normal: the item is accepted immediately;
  - throttled: admissions are paced by a RateLimiter at MaxMessagesPerSecond*ThrottleFactor;
  - backpressure: the item is accepted after BackpressureDelay;
  - circuit_open: the item is rejected.

A background monitor reports the state and metrics to observers (PrometheusMetrics is one of them),
and an optional adaptive tuner raises or lowers MaxMessagesPerSecond depending on the state.
*/
package flowcontrol

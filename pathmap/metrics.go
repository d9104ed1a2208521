package pathmap

import "github.com/bridgefall/pathsec/commons/metrics"

// Metrics tracks map-level counters. All fields are optional; a nil
// Metrics disables collection.
type Metrics struct {
	HandshakesCompleted      metrics.Counter
	Entries                  metrics.Gauge
	Evictions                metrics.Counter
	ControlStaleKey          metrics.Counter
	ControlReplayDetected    metrics.Counter
	ControlUnknownPathSecret metrics.Counter
	ControlAuthFailures      metrics.Counter
	ControlUnknownEntry      metrics.Counter
	ControlRateLimited       metrics.Counter
	HandshakeLatency         *metrics.LatencySampler
}

// Package connection owns the single live channel to the pool controller:
// connect/reconnect with exponential backoff, heartbeat-based liveness
// detection, and fan-out of inbound events to subscribers. Everything else
// in the process talks to the controller through this package; no second
// channel is ever opened.
package connection

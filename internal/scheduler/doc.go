// Package scheduler implements the frame scheduler: a bounded, ordered
// jitter buffer that absorbs delivery jitter, maps stream time onto
// wall-clock time, corrects drift between the two, and exposes delivery
// telemetry. It is the client-side analogue of a relay's GOP cache: the
// same exclusive-ownership, drop-callback, lock-guarded-read discipline,
// rebuilt around clock synchronization instead of fan-out.
package scheduler

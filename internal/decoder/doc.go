// Package decoder wraps a concrete decoder implementation (hardware,
// software, or a platform's native decoder) behind one uniform interface,
// checking the backend's pending-chunk count against a queue limit,
// keeping decoded/dropped counts in lock-free counters in the same style
// as the teacher's pipeline forwarding counters, and surfacing overflow as
// a callback rather than an error return.
package decoder

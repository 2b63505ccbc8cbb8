// Package session adapts a MoQ-shaped transport session (subscribe by
// track name and priority, receive per-track byte frames; publish by
// opening group streams) to internal/transport's Source and Sink
// interfaces. Session establishment and the wire-level MoQ control
// handshake are external collaborators (spec.md keeps the transport wire
// protocol out of core scope); this package only wraps the abstraction
// the teacher's internal/moq control types describe.
package session

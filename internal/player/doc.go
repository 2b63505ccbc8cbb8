// Package player implements the live playback state machine: it routes
// video and audio events from a transport.Source into a decoder.Harness,
// enforces the wait-for-keyframe invariant across codec changes, and
// pumps decoded frames into a scheduler.Scheduler for the renderer to
// pull from. Modeled on internal/pipeline.Pipeline's role as the single
// owner bridging an I/O source and downstream consumers, generalized
// from a one-shot broadcast fan-out to a stateful single-viewer player.
package player

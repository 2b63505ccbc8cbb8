// Package fileplayer implements the seekable local-file playback state
// machine: it drives a fileplayer.Source (a local container demuxer) into
// a decoder.Harness pair, paces feeding against each decoder's pending-chunk
// count and the audio look-ahead window, and exposes decoded video frames
// through a position-driven, insertion-sorted frame buffer. Modeled on
// internal/player's role for the live path, adapted from a transport-driven
// callback state machine to a source-pull state machine since a seekable
// file has no connection lifecycle to react to.
package fileplayer

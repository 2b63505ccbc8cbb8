// Package capture implements component H: camera/mic capture reversed
// through the same wire codec the live player consumes — an encoder
// collaborator produces encoded chunks, Pipeline packetizes them with
// internal/wire and hands them to a transport.Sink, which owns the
// group-boundary policy (internal/transport/session.Sink already
// implements it). Keyframe requests arriving from a viewer are routed
// back to the video encoder. Caption frames bypass the wire codec
// entirely and go out on the auxiliary data track via SendCaption.
package capture

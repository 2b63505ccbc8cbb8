// Package quicsession adapts a quic-go connection into
// internal/transport/session's Session/TrackReader collaborator
// interfaces: one QUIC stream per subscribed track, framed with QUIC
// varints. It is the one place in this module that actually dials or
// accepts a QUIC connection; the MoQ SUBSCRIBE/SUBSCRIBE_OK control
// protocol itself is not reimplemented, since spec.md scopes the
// transport protocol as an external collaborator.
package quicsession

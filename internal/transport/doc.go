// Package transport defines the Source/Sink abstractions the core
// consumes: a source emits connected/disconnected/error/data events to
// registered handlers and may request keyframes; a sink accepts
// serialized packets and partitions them into groups. Two adapters for
// each ship in subpackages: internal/transport/session (subscriber-over-
// sessions, MoQ-shaped) and internal/transport/wsrpc (request/response
// WebSocket-style).
package transport

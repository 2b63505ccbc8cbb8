// Package wire implements the Sesame binary packet format: a fixed 32-byte
// little-endian header optionally followed by a routing-metadata block and
// a codec-description block, followed by the raw payload. Parse and
// Serialize are bit-exact inverses of each other for any conformant input.
package wire

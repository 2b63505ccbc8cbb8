// Package codecid maps Sesame wire codec descriptions to decoder
// configuration strings, tracks codec-identity changes that require a
// decoder reconfigure, and rescales presentation timestamps between
// timebases.
package codecid

// Package mcp defines the wire-level vocabulary of the protocol core: method
// names, the initialize handshake payloads, and the canonical capability and
// tool shapes handlers operate on. Revision-specific differences in these
// shapes are resolved by the protover package before anything in this package
// is populated.
package mcp

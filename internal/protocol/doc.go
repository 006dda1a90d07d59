// Package protocol owns the gateway wire contract.
//
// Ownership boundary:
// - opcodes, close codes and dispatch event names
// - inbound/outbound payload shapes and their validation
// - payload encodings (json, cbor) and zlib-stream compression
// - connection query negotiation (v, encoding, compress)
//
// Framing for the raw TCP transport lives in protocol/frame.
package protocol

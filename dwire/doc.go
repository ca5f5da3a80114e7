// Package dwire frames calls and responses on a QUIC stream.
//
// A request frame is:
//
//	flags (1 byte) | call ID (8 bytes, big endian) | payload length (4 bytes, big endian) | payload
//
// A response frame is:
//
//	flags (1 byte) | call ID (8 bytes) | status (1 byte) | payload length (4 bytes) | payload
//
// Bit 0 of flags marks a snappy-compressed payload;
// the length is then the compressed length.
// Payloads are opaque to this package.
package dwire

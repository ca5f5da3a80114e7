// Package dcall contains the [Call] type,
// representing a single outbound request and its eventual response,
// and the [Table] of pending calls shared between
// the outbound dispatcher and the response-reading side of a client.
package dcall

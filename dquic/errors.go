package dquic

// Application error codes sent when closing a connection.
const (
	// The client tore the connection down after deciding it was dead.
	DestroyedErrorCode ApplicationErrorCode = 0x6467_0001

	// The client is shutting down.
	ShutdownErrorCode ApplicationErrorCode = 0x6467_0002

	// The member is shutting down.
	MemberShutdownErrorCode ApplicationErrorCode = 0x6467_0003
)

// Stream error codes.
const (
	// A frame on the stream could not be decoded.
	MalformedFrameStreamCode StreamErrorCode = 0x6467_0101
)

const (
	DestroyedMessage = "connection destroyed by client"
	ShutdownMessage  = "client shutting down"
)

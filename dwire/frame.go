package dwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/gordian-engine/dgrid/dcall"
)

const (
	requestHeaderSize  = 1 + 8 + 4
	responseHeaderSize = 1 + 8 + 1 + 4

	flagSnappy byte = 1 << 0

	// MaxPayloadSize is the largest payload, before or after compression,
	// that may be framed.
	MaxPayloadSize = 16 << 20

	// DefaultCompressThreshold is the payload size
	// at which compression is attempted.
	DefaultCompressThreshold = 1024
)

var (
	// ErrFrameTooLarge is returned for payloads over [MaxPayloadSize].
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrMalformedFrame is returned for frames that cannot be decoded.
	// The stream carrying them is unusable.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Status is the outcome of a call as reported by the member.
type Status byte

const (
	StatusOK Status = iota
	StatusError
)

// RemoteError is the failure of a call as reported by the member.
// The message is the response payload.
type RemoteError struct {
	Message string
}

func (e RemoteError) Error() string {
	return "member reported error: " + e.Message
}

// Frame is a decoded request or response.
type Frame struct {
	ID dcall.ID

	// Always StatusOK for requests.
	Status Status

	Payload []byte
}

// compress returns the flags and body for payload.
// A threshold of zero or less disables compression.
func compress(payload []byte, threshold int) (byte, []byte, error) {
	if len(payload) > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	if threshold <= 0 || len(payload) < threshold {
		return 0, payload, nil
	}

	enc := snappy.Encode(nil, payload)
	if len(enc) >= len(payload) {
		// Incompressible.
		return 0, payload, nil
	}
	return flagSnappy, enc, nil
}

// AppendRequest appends the request frame for id and payload to dst.
func AppendRequest(dst []byte, id dcall.ID, payload []byte, threshold int) ([]byte, error) {
	flags, body, err := compress(payload, threshold)
	if err != nil {
		return dst, fmt.Errorf("failed to frame request %d: %w", id, err)
	}

	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint64(dst, uint64(id))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// AppendResponse appends the response frame for id to dst.
func AppendResponse(dst []byte, id dcall.ID, status Status, payload []byte, threshold int) ([]byte, error) {
	flags, body, err := compress(payload, threshold)
	if err != nil {
		return dst, fmt.Errorf("failed to frame response %d: %w", id, err)
	}

	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint64(dst, uint64(id))
	dst = append(dst, byte(status))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) (Frame, error) {
	var hdr [requestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("failed to read request header: %w", err)
	}

	f := Frame{ID: dcall.ID(binary.BigEndian.Uint64(hdr[1:9]))}
	p, err := readPayload(r, hdr[0], binary.BigEndian.Uint32(hdr[9:13]))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read payload of request %d: %w", f.ID, err)
	}
	f.Payload = p
	return f, nil
}

// ReadResponse reads one response frame from r.
func ReadResponse(r io.Reader) (Frame, error) {
	var hdr [responseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("failed to read response header: %w", err)
	}

	f := Frame{
		ID:     dcall.ID(binary.BigEndian.Uint64(hdr[1:9])),
		Status: Status(hdr[9]),
	}
	if f.Status > StatusError {
		return Frame{}, fmt.Errorf("%w: response %d has unknown status %d", ErrMalformedFrame, f.ID, f.Status)
	}

	p, err := readPayload(r, hdr[0], binary.BigEndian.Uint32(hdr[10:14]))
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read payload of response %d: %w", f.ID, err)
	}
	f.Payload = p
	return f, nil
}

func readPayload(r io.Reader, flags byte, size uint32) ([]byte, error) {
	if flags&^flagSnappy != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%x", ErrMalformedFrame, flags)
	}
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: header declares %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	if flags&flagSnappy == 0 {
		return buf, nil
	}

	decSz, err := snappy.DecodedLen(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to calculate snappy-decoded length: %w", ErrMalformedFrame, err)
	}
	if decSz > MaxPayloadSize {
		return nil, fmt.Errorf("%w: decodes to %d bytes", ErrFrameTooLarge, decSz)
	}

	dec, err := snappy.Decode(nil, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode snappy payload: %w", ErrMalformedFrame, err)
	}
	return dec, nil
}

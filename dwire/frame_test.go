package dwire_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dwire"
	"github.com/gordian-engine/dgrid/internal/dtest"
	"github.com/stretchr/testify/require"
)

func TestRequest_smallPayloadUncompressed(t *testing.T) {
	t.Parallel()

	b, err := dwire.AppendRequest(nil, 7, []byte("hello"), dwire.DefaultCompressThreshold)
	require.NoError(t, err)

	require.Equal(t, byte(0), b[0], "small payload must not be compressed")
	require.Equal(t, uint64(7), binary.BigEndian.Uint64(b[1:9]))
	require.Equal(t, uint32(5), binary.BigEndian.Uint32(b[9:13]))
	require.Equal(t, "hello", string(b[13:]))

	f, err := dwire.ReadRequest(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, dcall.ID(7), f.ID)
	require.Equal(t, "hello", string(f.Payload))
}

func TestRequest_largeCompressiblePayload(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("dgrid "), 4096)
	b, err := dwire.AppendRequest(nil, 1, payload, dwire.DefaultCompressThreshold)
	require.NoError(t, err)

	require.Equal(t, byte(1), b[0])
	require.Less(t, len(b), len(payload))

	f, err := dwire.ReadRequest(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, payload, f.Payload)
}

func TestRequest_incompressiblePayloadSentRaw(t *testing.T) {
	t.Parallel()

	payload := dtest.RandomBytes(t, 4096)
	b, err := dwire.AppendRequest(nil, 1, payload, dwire.DefaultCompressThreshold)
	require.NoError(t, err)
	require.Equal(t, byte(0), b[0])

	f, err := dwire.ReadRequest(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, payload, f.Payload)
}

func TestResponse_statuses(t *testing.T) {
	t.Parallel()

	var buf []byte
	var err error
	buf, err = dwire.AppendResponse(buf, 1, dwire.StatusOK, []byte("ok"), 0)
	require.NoError(t, err)
	buf, err = dwire.AppendResponse(buf, 2, dwire.StatusError, []byte("bad"), 0)
	require.NoError(t, err)

	r := bytes.NewReader(buf)

	f, err := dwire.ReadResponse(r)
	require.NoError(t, err)
	require.Equal(t, dwire.Frame{ID: 1, Status: dwire.StatusOK, Payload: []byte("ok")}, f)

	f, err = dwire.ReadResponse(r)
	require.NoError(t, err)
	require.Equal(t, dwire.Frame{ID: 2, Status: dwire.StatusError, Payload: []byte("bad")}, f)

	_, err = dwire.ReadResponse(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestRead_truncated(t *testing.T) {
	t.Parallel()

	b, err := dwire.AppendRequest(nil, 3, []byte("truncate me"), 0)
	require.NoError(t, err)

	_, err = dwire.ReadRequest(bytes.NewReader(b[:len(b)-2]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = dwire.ReadRequest(bytes.NewReader(b[:5]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameTooLarge(t *testing.T) {
	t.Parallel()

	t.Run("encoding", func(t *testing.T) {
		t.Parallel()

		_, err := dwire.AppendRequest(nil, 1, make([]byte, dwire.MaxPayloadSize+1), -1)
		require.ErrorIs(t, err, dwire.ErrFrameTooLarge)
	})

	t.Run("declared in header", func(t *testing.T) {
		t.Parallel()

		hdr := make([]byte, 14)
		binary.BigEndian.PutUint64(hdr[1:9], 1)
		binary.BigEndian.PutUint32(hdr[10:14], dwire.MaxPayloadSize+1)

		_, err := dwire.ReadResponse(bytes.NewReader(hdr))
		require.ErrorIs(t, err, dwire.ErrFrameTooLarge)
	})
}

func TestRead_rejectsUnknownFlagsAndStatus(t *testing.T) {
	t.Parallel()

	b, err := dwire.AppendResponse(nil, 1, dwire.StatusOK, nil, 0)
	require.NoError(t, err)

	badFlags := bytes.Clone(b)
	badFlags[0] = 0x80
	_, err = dwire.ReadResponse(bytes.NewReader(badFlags))
	require.ErrorIs(t, err, dwire.ErrMalformedFrame)

	badStatus := bytes.Clone(b)
	badStatus[9] = 9
	_, err = dwire.ReadResponse(bytes.NewReader(badStatus))
	require.ErrorIs(t, err, dwire.ErrMalformedFrame)
}

package dwire

import (
	"bufio"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dquic"
)

// StreamHandle is a connection handle carrying
// the bidirectional stream that requests and responses share.
type StreamHandle interface {
	dconn.Handle
	Stream() dquic.Stream
}

// WriterConfig is the configuration for [NewWriter].
type WriterConfig struct {
	// Deadline for each write or flush.
	// Zero means no deadline.
	WriteTimeout time.Duration

	// Payloads at least this large are snappy-compressed.
	// Zero uses [DefaultCompressThreshold]; negative disables compression.
	CompressThreshold int

	// Size of the per-connection write buffer.
	// Zero uses the bufio default.
	BufferSize int
}

// Writer is a [dconn.PacketWriter] for [StreamHandle] connections.
// Frames are buffered per connection until Flush.
type Writer struct {
	log *slog.Logger

	writeTimeout time.Duration
	threshold    int
	bufSize      int

	mu      sync.Mutex
	bufs    map[dconn.Handle]*bufio.Writer
	scratch []byte
}

var _ dconn.PacketWriter = (*Writer)(nil)

func NewWriter(log *slog.Logger, cfg WriterConfig) *Writer {
	threshold := cfg.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}

	return &Writer{
		log: log,

		writeTimeout: cfg.WriteTimeout,
		threshold:    threshold,
		bufSize:      cfg.BufferSize,

		bufs: make(map[dconn.Handle]*bufio.Writer),
	}
}

// Write frames c's request into h's buffer.
// It panics if h is not a [StreamHandle].
func (w *Writer) Write(h dconn.Handle, c *dcall.Call) error {
	sh, ok := h.(StreamHandle)
	if !ok {
		panic(fmt.Errorf("BUG: dwire.Writer given handle %s of type %T", h, h))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	frame, err := AppendRequest(w.scratch[:0], c.ID(), c.Request(), w.threshold)
	if err != nil {
		return err
	}
	w.scratch = frame

	s := sh.Stream()
	if err := w.setDeadline(s); err != nil {
		return err
	}

	bw := w.bufs[h]
	if bw == nil {
		if w.bufSize > 0 {
			bw = bufio.NewWriterSize(s, w.bufSize)
		} else {
			bw = bufio.NewWriter(s)
		}
		w.bufs[h] = bw
	}

	if _, err := bw.Write(frame); err != nil {
		return fmt.Errorf("failed to write request frame to %s: %w", h, err)
	}
	return nil
}

// Flush sends everything buffered for h.
func (w *Writer) Flush(h dconn.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	bw := w.bufs[h]
	if bw == nil || bw.Buffered() == 0 {
		return nil
	}

	if err := w.setDeadline(h.(StreamHandle).Stream()); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush request frames to %s: %w", h, err)
	}
	return nil
}

// Forget drops the buffer for h, discarding anything unflushed.
// Call it once h has been destroyed.
func (w *Writer) Forget(h dconn.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if bw, ok := w.bufs[h]; ok {
		if n := bw.Buffered(); n > 0 {
			w.log.Debug("Discarding unflushed request bytes", "conn", h, "n", n)
		}
		delete(w.bufs, h)
	}
}

func (w *Writer) setDeadline(s dquic.SendStream) error {
	if w.writeTimeout <= 0 {
		return nil
	}
	if err := s.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return nil
}

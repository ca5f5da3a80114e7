package dquictest

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gordian-engine/dgrid/dquic"
)

// StubStream is an in-memory [dquic.Stream].
// Writes are recorded; reads come from whatever is passed to Feed.
type StubStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool

	readCanceled bool
	readCode     dquic.StreamErrorCode
}

var _ dquic.Stream = (*StubStream)(nil)

func NewStubStream() *StubStream {
	pr, pw := io.Pipe()
	return &StubStream{pr: pr, pw: pw}
}

func (s *StubStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Feed makes p available to Read.
// It blocks until the reader has consumed all of p.
func (s *StubStream) Feed(p []byte) error {
	_, err := s.pw.Write(p)
	return err
}

// CloseRead makes pending and future reads return err,
// or io.EOF if err is nil.
func (s *StubStream) CloseRead(err error) {
	_ = s.pw.CloseWithError(err)
}

func (s *StubStream) CancelRead(code dquic.StreamErrorCode) {
	s.mu.Lock()
	if !s.readCanceled {
		s.readCanceled = true
		s.readCode = code
	}
	s.mu.Unlock()

	_ = s.pr.CloseWithError(fmt.Errorf("read canceled with code 0x%x", code))
}

// ReadCanceled returns the code from the first CancelRead call,
// and whether CancelRead has been called.
func (s *StubStream) ReadCanceled() (dquic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCode, s.readCanceled
}

func (s *StubStream) SetReadDeadline(time.Time) error { return nil }

// FailWrites makes future writes return err.
func (s *StubStream) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *StubStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.closed {
		return 0, fmt.Errorf("write on closed stream")
	}
	return s.written.Write(p)
}

func (s *StubStream) CancelWrite(code dquic.StreamErrorCode) {
	s.FailWrites(fmt.Errorf("write canceled with code 0x%x", code))
}

func (s *StubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StubStream) SetWriteDeadline(time.Time) error { return nil }

// Written returns a copy of everything written so far.
func (s *StubStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.written.Bytes())
}

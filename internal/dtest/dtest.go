// Package dtest contains small helpers shared across dgrid tests.
package dtest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScaleDuration is the base wait used by the Soon helpers.
// It is deliberately generous so that tests are not flaky under -race.
const ScaleDuration = 500 * time.Millisecond

// NewLogger returns a debug-level logger that writes through t.Log,
// so output is only shown for failing or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slogt.New(t, slogt.Text())
}

// ReceiveSoon returns the value received from ch,
// failing the test if nothing arrives within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(ScaleDuration):
		t.Fatalf("timed out waiting to receive value")
	}

	panic("unreachable")
}

// IsSending asserts that ch is ready to be received from (or closed).
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatalf("expected channel to be sending, but it was not")
	}
}

// NotSending asserts that ch has nothing to receive right now.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatalf("expected channel not to be sending, but it was")
	default:
	}
}

package dwire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dquic"
)

// ReadResponses reads response frames from h until reading fails,
// resolving the matching calls in table.
//
// Responses read while isCurrent(h) is false are discarded;
// their calls are resent on the replacement connection.
//
// A frame that cannot be decoded cancels the read side of the stream
// with [dquic.MalformedFrameStreamCode].
//
// The returned error is the one that stopped reading.
// Canceling ctx does not interrupt a blocked read;
// close the connection for that.
func ReadResponses(
	ctx context.Context,
	log *slog.Logger,
	h StreamHandle,
	table *dcall.Table,
	isCurrent func(dconn.Handle) bool,
) error {
	br := bufio.NewReader(h.Stream())

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		f, err := ReadResponse(br)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrFrameTooLarge) {
				h.Stream().CancelRead(dquic.MalformedFrameStreamCode)
			}
			return fmt.Errorf("failed to read response from %s: %w", h, err)
		}

		if !isCurrent(h) {
			log.Debug("Discarding response from replaced connection", "conn", h, "call_id", f.ID)
			continue
		}

		c := table.Take(f.ID)
		if c == nil {
			// Already resolved, or interrupted.
			log.Debug("Received response for unknown call", "conn", h, "call_id", f.ID)
			continue
		}

		switch f.Status {
		case StatusOK:
			c.Resolve(f.Payload)
		case StatusError:
			c.Fail(RemoteError{Message: string(f.Payload)})
		default:
			panic(fmt.Errorf("BUG: unhandled status %d", f.Status))
		}
	}
}

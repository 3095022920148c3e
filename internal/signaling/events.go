package signaling

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/minbarhq/minbar-live/internal/errors"
)

// WaitEvent blocks until the handle delivers an event matching match, or
// an event carrying a plugin error (callers inspect ErrorCode). It fails
// with ErrEventTimeout when the clock-bounded ceiling elapses without any
// matching event; a silent signaling stall is a failure, never a hang.
func WaitEvent(
	ctx context.Context,
	clock clockwork.Clock,
	h Handle,
	timeout time.Duration,
	match func(*Event) bool,
) (*Event, error) {
	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrClosed, ctx.Err(), "wait event")
		case <-timer.Chan():
			return nil, errors.Newf(ErrEventTimeout, "no signaling event within %s", timeout)
		case ev, ok := <-h.Events():
			if !ok {
				return nil, errors.New(ErrClosed, "handle event channel closed")
			}
			if ev.ErrorCode != 0 || match(ev) {
				return ev, nil
			}
		}
	}
}

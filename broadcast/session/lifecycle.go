package session

import (
	"context"

	"github.com/minbarhq/minbar-live/broadcast/presence"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/rtc"
	"github.com/minbarhq/minbar-live/internal/signaling"
)

// resources is everything one session attempt may have acquired. Fields
// are nil for whatever was never reached; release tolerates any subset.
type resources struct {
	stopTicker func()
	poller     *presence.Poller
	sink       AudioSink
	peer       rtc.Peer
	handles    []signaling.Handle
	conn       signaling.Connection
	capture    MediaSource
}

// release is the single ordered teardown routine shared by publisher and
// listener sessions. Order matters:
//  1. timers stop first so nothing mutates state mid-teardown
//  2. the output sink detaches before signaling dies, so the playback
//     pipeline never aborts an in-flight frame
//  3. handles hang up, then the connection is destroyed
//  4. captured hardware is released last
//
// Callers must invalidate their generation counter before calling, and
// must not hold the session mutex while this runs.
func release(ctx context.Context, logger *log.Logger, r resources) {
	if r.stopTicker != nil {
		r.stopTicker()
	}
	if r.poller != nil {
		r.poller.Stop()
	}
	if r.sink != nil {
		r.sink.Close()
	}
	if r.peer != nil {
		if err := r.peer.Close(); err != nil {
			logger.Debug("peer close", log.Error(err))
		}
	}
	for _, h := range r.handles {
		if h == nil {
			continue
		}
		if err := h.Hangup(ctx); err != nil {
			logger.Debug("handle hangup", log.Error(err))
		}
	}
	if r.conn != nil {
		if err := r.conn.Destroy(ctx); err != nil {
			logger.Debug("connection destroy", log.Error(err))
		}
	}
	if r.capture != nil {
		r.capture.Close()
	}
}

package signaling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/minbarhq/minbar-live/internal/log"
)

type handle struct {
	conn   *connection
	id     int64
	plugin string
	events chan *Event
	logger *log.Logger
	hungup atomic.Bool
}

func (h *handle) HandleID() int64 {
	return h.id
}

func (h *handle) Events() <-chan *Event {
	return h.events
}

// JoinPublisher sends a publisher join. A zero-media join (audio and video
// both false) is the discovery idiom: the gateway answers with the current
// publishers list without negotiating any media.
func (h *handle) JoinPublisher(ctx context.Context, room int64, display string, audio, video bool) error {
	return h.message(ctx, joinRequest{
		Request: "join",
		Room:    room,
		PType:   "publisher",
		Display: display,
		Audio:   audio,
		Video:   video,
	}, nil)
}

func (h *handle) JoinSubscriber(ctx context.Context, room, feed int64) error {
	return h.message(ctx, joinRequest{
		Request: "join",
		Room:    room,
		PType:   "subscriber",
		Feed:    feed,
		Audio:   true,
		Video:   false,
	}, nil)
}

func (h *handle) Publish(ctx context.Context, offer *JSEP) error {
	return h.message(ctx, publishRequest{
		Request: "publish",
		Audio:   true,
		Video:   false,
	}, offer)
}

func (h *handle) Start(ctx context.Context, answer *JSEP) error {
	return h.message(ctx, startRequest{
		Request: "start",
	}, answer)
}

// Hangup drops the media session and detaches the handle. Idempotent and
// best-effort: teardown must not fail because the gateway is already gone.
func (h *handle) Hangup(ctx context.Context) error {
	if !h.hungup.CompareAndSwap(false, true) {
		return nil
	}

	path := fmt.Sprintf("/janus/%d", h.conn.sessionID)
	if _, err := h.conn.client.post(ctx, path, map[string]interface{}{
		"janus":     "hangup",
		"handle_id": h.id,
	}); err != nil {
		h.logger.Warn("handle hangup failed", log.Int64("handleId", h.id), log.Error(err))
	}
	if _, err := h.conn.client.post(ctx, path, map[string]interface{}{
		"janus":     "detach",
		"handle_id": h.id,
	}); err != nil {
		h.logger.Warn("handle detach failed", log.Int64("handleId", h.id), log.Error(err))
	}
	return nil
}

func (h *handle) message(ctx context.Context, body interface{}, jsep *JSEP) error {
	payload := map[string]interface{}{
		"janus":      "message",
		"session_id": h.conn.sessionID,
		"handle_id":  h.id,
		"body":       body,
	}
	if jsep != nil {
		payload["jsep"] = jsep
	}
	path := fmt.Sprintf("/janus/%d", h.conn.sessionID)
	resp, err := h.conn.client.post(ctx, path, payload)
	if err != nil {
		return err
	}
	// synchronous plugin rejections (e.g. join on a nonexistent room)
	if code, text, ok := pluginError(resp); ok {
		return newGatewayError(code, text)
	}
	return nil
}

// deliver blocks when the buffer is full rather than dropping: a lost
// joined or configured ack would stall the whole handshake. Destroy
// cancels feedCtx before closing the channel, which unblocks the pump.
func (h *handle) deliver(ev *Event) {
	select {
	case h.events <- ev:
	case <-h.conn.feedCtx.Done():
	}
}

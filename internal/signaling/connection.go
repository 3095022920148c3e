package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

const (
	handleEventBuffer = 8
	pollRetryDelay    = time.Second
)

type connection struct {
	client    *clientImpl
	sessionID int64
	logger    *log.Logger

	feedCtx    context.Context
	feedCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	handles   map[int64]*handle
	destroyed bool
}

func newConnection(client *clientImpl, sessionID int64, logger *log.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		client:     client,
		sessionID:  sessionID,
		logger:     logger,
		feedCtx:    ctx,
		feedCancel: cancel,
		handles:    make(map[int64]*handle),
	}
}

func (c *connection) startEventFeed() {
	c.wg.Add(1)
	if c.client.cfg.EventsWSURL != "" {
		go c.runWSFeed()
		c.wg.Add(1)
		go c.runKeepalive()
		return
	}
	go c.runLongPoll()
}

// Attach creates a plugin handle on this session.
func (c *connection) Attach(ctx context.Context, plugin string) (Handle, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, errors.New(ErrAttachFailed, "connection destroyed")
	}
	c.mu.Unlock()

	path := fmt.Sprintf("/janus/%d", c.sessionID)
	resp, err := c.client.post(ctx, path, map[string]interface{}{
		"janus":      "attach",
		"session_id": c.sessionID,
		"plugin":     plugin,
	})
	if err != nil {
		return nil, errors.Wrap(ErrAttachFailed, err, "attach plugin")
	}
	if resp.Data == nil {
		return nil, errors.New(ErrAttachFailed, "attach response missing handle id")
	}

	h := &handle{
		conn:   c,
		id:     resp.Data.ID,
		plugin: plugin,
		events: make(chan *Event, handleEventBuffer),
		logger: c.logger.Module("Handle"),
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, errors.New(ErrAttachFailed, "connection destroyed")
	}
	c.handles[h.id] = h
	c.mu.Unlock()

	c.logger.Debug("plugin attached",
		log.String("plugin", plugin),
		log.Int64("handleId", h.id))
	return h, nil
}

// Destroy releases the session. Safe to call multiple times; the second
// call is a no-op.
func (c *connection) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	hs := make([]*handle, 0, len(c.handles))
	for _, h := range c.handles {
		hs = append(hs, h)
	}
	c.handles = make(map[int64]*handle)
	c.mu.Unlock()

	c.feedCancel()
	c.wg.Wait()
	for _, h := range hs {
		close(h.events)
	}

	path := fmt.Sprintf("/janus/%d", c.sessionID)
	if _, err := c.client.post(ctx, path, map[string]interface{}{
		"janus": "destroy",
	}); err != nil {
		// best effort; the gateway reaps idle sessions on its own
		c.logger.Warn("gateway session destroy failed", log.Error(err))
	}
	c.logger.Info("gateway session destroyed", log.Int64("sessionId", c.sessionID))
	return nil
}

func (c *connection) runLongPoll() {
	defer c.wg.Done()
	for {
		if c.feedCtx.Err() != nil {
			return
		}
		events, err := c.client.getEvents(c.feedCtx, c.sessionID, eventPollMax)
		if err != nil {
			if c.feedCtx.Err() != nil {
				return
			}
			c.logger.Warn("event poll failed", log.Error(err))
			select {
			case <-c.feedCtx.Done():
				return
			case <-c.client.clock.After(pollRetryDelay):
			}
			continue
		}
		for _, resp := range events {
			c.route(resp)
		}
	}
}

func (c *connection) runKeepalive() {
	defer c.wg.Done()

	interval := c.client.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := c.client.clock.NewTicker(interval)
	defer ticker.Stop()

	path := fmt.Sprintf("/janus/%d", c.sessionID)
	for {
		select {
		case <-c.feedCtx.Done():
			return
		case <-ticker.Chan():
			if _, err := c.client.post(c.feedCtx, path, map[string]interface{}{
				"janus": "keepalive",
			}); err != nil && c.feedCtx.Err() == nil {
				c.logger.Warn("gateway keepalive failed", log.Error(err))
			}
		}
	}
}

func (c *connection) route(resp *gatewayResponse) {
	if resp == nil {
		return
	}
	if resp.Sender == 0 {
		c.logger.Debug("session-level event", log.String("janus", resp.Janus))
		return
	}

	c.mu.Lock()
	h := c.handles[resp.Sender]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("event for unknown handle", log.Int64("sender", resp.Sender))
		return
	}

	ev := parseEvent(resp)
	if ev == nil {
		// transport notifications (webrtcup, media, hangup) carry no plugin data
		c.logger.Debug("non-plugin event", log.String("janus", resp.Janus))
		return
	}
	h.deliver(ev)
}

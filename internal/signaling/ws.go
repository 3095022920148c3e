package signaling

import (
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/minbarhq/minbar-live/internal/log"
)

// runWSFeed consumes the gateway's WebSocket event feed for this session.
// The feed only replaces the long-poll side; requests still go over REST.
// On any feed failure the connection falls back to long-polling, so a
// flaky WebSocket never kills an otherwise-healthy session.
func (c *connection) runWSFeed() {
	defer c.wg.Done()

	u := fmt.Sprintf("%s/janus/%d/events",
		strings.TrimRight(c.client.cfg.EventsWSURL, "/"), c.sessionID)

	ws, _, err := websocket.Dial(c.feedCtx, u, nil)
	if err != nil {
		if c.feedCtx.Err() != nil {
			return
		}
		c.logger.Warn("ws event feed dial failed, falling back to long-poll", log.Error(err))
		c.wg.Add(1)
		go c.runLongPoll()
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("ws event feed connected", log.Int64("sessionId", c.sessionID))
	for {
		var resp gatewayResponse
		if err := wsjson.Read(c.feedCtx, ws, &resp); err != nil {
			if c.feedCtx.Err() != nil {
				return
			}
			c.logger.Warn("ws event feed read failed, falling back to long-poll", log.Error(err))
			c.wg.Add(1)
			go c.runLongPoll()
			return
		}
		c.route(&resp)
	}
}

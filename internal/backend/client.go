package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/viper"
	"golang.org/x/sync/singleflight"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/retry"
)

const (
	ErrRequestFailed errors.Code = "backend request failed"
	ErrBadPayload    errors.Code = "backend payload invalid"
	ErrEndRejected   errors.Code = "backend refused to end stream"
)

const roomCacheSize = 16

type Config struct {
	URL            string        `mapstructure:"url" validate:"required"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("url"), "http://localhost:3000/api")
	v.SetDefault(p("token"), "")
	v.SetDefault(p("request_timeout"), "10s")
}

type clientImpl struct {
	rest      *resty.Client
	roomCache *lru.Cache[string, *Room]
	sfRoom    singleflight.Group
	notifier  retry.Retry
	logger    *log.Logger
}

func New(cfg *Config, logger *log.Logger) (Client, error) {
	if logger == nil {
		panic("logger is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rest := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetBaseURL(strings.TrimRight(cfg.URL, "/"))
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
		warnIfTokenStale(cfg.Token, logger)
	}

	roomCache, err := lru.New[string, *Room](roomCacheSize)
	if err != nil {
		return nil, errors.Wrap(ErrRequestFailed, err, "create room cache")
	}

	return &clientImpl{
		rest:      rest,
		roomCache: roomCache,
		notifier:  retry.New(logger, 200*time.Millisecond, time.Second, 3*time.Second),
		logger:    logger,
	}, nil
}

// RoomInfo resolves a preacher's provisioned room. Results are cached;
// concurrent lookups for the same preacher are collapsed.
func (c *clientImpl) RoomInfo(ctx context.Context, preacherID string) (*Room, error) {
	if room, ok := c.roomCache.Get(preacherID); ok {
		return room, nil
	}

	result, err, _ := c.sfRoom.Do(preacherID, func() (interface{}, error) {
		var room Room
		resp, err := c.rest.R().
			SetContext(ctx).
			SetQueryParam("preacherId", preacherID).
			SetResult(&room).
			Get("/room-info")
		if err != nil {
			return nil, errors.Wrap(ErrRequestFailed, err, "room info")
		}
		if resp.IsError() {
			return nil, errors.Newf(ErrRequestFailed, "room info http %d", resp.StatusCode())
		}
		if room.RoomID == 0 || room.LiveStreamID == 0 {
			return nil, errors.Newf(ErrBadPayload, "room info missing identifiers: %+v", room)
		}
		c.roomCache.Add(preacherID, &room)
		return &room, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Room), nil
}

// EndStream is the authoritative stream termination; the stream is only
// over once the server says so.
func (c *clientImpl) EndStream(ctx context.Context, liveStreamID int64) error {
	var payload struct {
		Success bool `json:"success"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("action", "end").
		SetResult(&payload).
		Post(fmt.Sprintf("/stream/%d", liveStreamID))
	if err != nil {
		return errors.Wrap(ErrRequestFailed, err, "end stream")
	}
	if resp.IsError() {
		return errors.Newf(ErrRequestFailed, "end stream http %d", resp.StatusCode())
	}
	if !payload.Success {
		return errors.Newf(ErrEndRejected, "end stream declined for %d", liveStreamID)
	}
	return nil
}

func (c *clientImpl) ListenerStats(ctx context.Context, liveStreamID int64) (*ListenerStats, error) {
	var stats ListenerStats
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("action", "listeners").
		SetResult(&stats).
		Get(fmt.Sprintf("/stream/%d", liveStreamID))
	if err != nil {
		return nil, errors.Wrap(ErrRequestFailed, err, "listener stats")
	}
	if resp.IsError() {
		return nil, errors.Newf(ErrRequestFailed, "listener stats http %d", resp.StatusCode())
	}
	return &stats, nil
}

func (c *clientImpl) StreamInfo(ctx context.Context, roomID int64) (*StreamInfo, error) {
	var info StreamInfo
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/stream/%d/info", roomID))
	if err != nil {
		return nil, errors.Wrap(ErrRequestFailed, err, "stream info")
	}
	if resp.IsError() {
		return nil, errors.Newf(ErrRequestFailed, "stream info http %d", resp.StatusCode())
	}
	if info.Status != StreamActive && info.Status != StreamEnded {
		return nil, errors.Newf(ErrBadPayload, "stream info status %q", info.Status)
	}
	return &info, nil
}

// NotifyJoin tells the backend this user is listening. Fire-and-forget:
// failures are retried briefly, then logged and dropped.
func (c *clientImpl) NotifyJoin(ctx context.Context, roomID int64, userID string) {
	c.notify(ctx, roomID, userID, "join")
}

func (c *clientImpl) NotifyLeave(ctx context.Context, roomID int64, userID string) {
	c.notify(ctx, roomID, userID, "leave")
}

func (c *clientImpl) notify(ctx context.Context, roomID int64, userID, action string) {
	err := c.notifier.Do(ctx, func() error {
		resp, err := c.rest.R().
			SetContext(ctx).
			SetQueryParam("userId", userID).
			Post(fmt.Sprintf("/stream/%d/%s", roomID, action))
		if err != nil {
			return errors.Wrap(ErrRequestFailed, err, action)
		}
		if resp.IsError() {
			return errors.Newf(ErrRequestFailed, "%s http %d", action, resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("presence notification dropped",
			log.String("action", action),
			log.Int64("roomId", roomID),
			log.Error(err))
	}
}

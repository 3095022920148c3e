package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"

	"github.com/minbarhq/minbar-live/internal/errors"
	"github.com/minbarhq/minbar-live/internal/log"
)

const (
	// PluginLiveRoom is the gateway plugin driving audio live rooms.
	PluginLiveRoom = "janus.plugin.videoroom"

	eventPollMax = 4
)

type Config struct {
	URL               string        `mapstructure:"url" validate:"required"`
	EventsWSURL       string        `mapstructure:"events_ws_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("url"), "http://localhost:8088")
	v.SetDefault(p("events_ws_url"), "") // empty means REST long-poll
	v.SetDefault(p("request_timeout"), "10s")
	v.SetDefault(p("keepalive_interval"), "25s")
}

type clientImpl struct {
	cfg    *Config
	rest   *resty.Client
	clock  clockwork.Clock
	logger *log.Logger
}

// New creates a gateway transport backed by go-resty. The returned
// Transport can open any number of connections, but callers are expected
// to hold at most one live connection per session (the gateway treats
// each session as an isolated signaling context).
func New(cfg *Config, logger *log.Logger) (Transport, error) {
	return newWithClock(cfg, clockwork.NewRealClock(), logger)
}

func newWithClock(cfg *Config, clock clockwork.Clock, logger *log.Logger) (Transport, error) {
	if logger == nil {
		panic("logger is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(ErrInitFailed, "invalid gateway url %q", cfg.URL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rest := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetBaseURL(strings.TrimRight(cfg.URL, "/"))

	return &clientImpl{
		cfg:    cfg,
		rest:   rest,
		clock:  clock,
		logger: logger,
	}, nil
}

// Connect creates one gateway session and starts its event feed.
func (c *clientImpl) Connect(ctx context.Context) (Connection, error) {
	resp, err := c.post(ctx, "/janus", map[string]interface{}{
		"janus": "create",
	})
	if err != nil {
		return nil, errors.Wrap(ErrConnectFailed, err, "create gateway session")
	}
	if resp.Data == nil {
		return nil, errors.New(ErrConnectFailed, "create response missing session id")
	}

	conn := newConnection(c, resp.Data.ID, c.logger.Module("Conn"))
	conn.startEventFeed()
	c.logger.Info("gateway session created", log.Int64("sessionId", resp.Data.ID))
	return conn, nil
}

func (c *clientImpl) post(ctx context.Context, path string, payload map[string]interface{}) (*gatewayResponse, error) {
	if _, ok := payload["transaction"]; !ok {
		payload["transaction"] = genTransaction()
	}
	c.logger.Debug("gateway req", log.String("path", path), log.Any("body", payload))

	var respPayload gatewayResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&respPayload).
		Post(path)
	if err != nil {
		return nil, errors.Wrap(ErrRequestFailed, err, "gateway post")
	}
	if resp.IsError() {
		return nil, errors.Newf(ErrRequestFailed, "gateway http error: (code: %d)", resp.StatusCode())
	}
	c.logger.Debug("gateway resp", log.Int("status", resp.StatusCode()), log.Any("payload", respPayload))

	if err := checkSuccess(&respPayload); err != nil {
		return nil, err
	}
	return &respPayload, nil
}

func (c *clientImpl) getEvents(ctx context.Context, sessionID int64, maxEvents int) ([]*gatewayResponse, error) {
	if maxEvents <= 0 {
		maxEvents = eventPollMax
	}
	var payload []*gatewayResponse
	path := fmt.Sprintf("/janus/%d", sessionID)
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&payload).
		SetQueryParam("maxev", strconv.Itoa(maxEvents)).
		Get(path)
	if err != nil {
		return nil, errors.Wrap(ErrRequestFailed, err, "gateway event poll")
	}
	if resp.IsError() {
		return nil, errors.Newf(ErrRequestFailed, "gateway http error: (code: %d)", resp.StatusCode())
	}
	return payload, nil
}

func genTransaction() string {
	return uuid.NewString()
}

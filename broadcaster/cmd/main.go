package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/minbarhq/minbar-live/broadcast"
	"github.com/minbarhq/minbar-live/broadcast/session"
	"github.com/minbarhq/minbar-live/broadcast/transport"
	"github.com/minbarhq/minbar-live/internal/backend"
	"github.com/minbarhq/minbar-live/internal/config"
	"github.com/minbarhq/minbar-live/internal/httputil"
	"github.com/minbarhq/minbar-live/internal/log"
	"github.com/minbarhq/minbar-live/internal/media"
	"github.com/minbarhq/minbar-live/internal/rtc"
	"github.com/minbarhq/minbar-live/internal/signaling"
	"github.com/minbarhq/minbar-live/internal/workflow"
)

type Config struct {
	App       config.App       `mapstructure:"app"`
	HTTP      httputil.Config  `mapstructure:"http"`
	Backend   backend.Config   `mapstructure:"backend"`
	Signaling signaling.Config `mapstructure:"signaling"`
	RTC       rtc.Config       `mapstructure:"rtc"`
	// PreacherID starts a broadcast on boot when set; otherwise the
	// control API drives the session.
	PreacherID string `mapstructure:"preacher_id"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("preacher_id", "")

		config.Setup(v, "app")
		httputil.Setup(v, "http")
		backend.Setup(v, "backend")
		signaling.Setup(v, "signaling")
		rtc.Setup(v, "rtc")

		// override default http.addr
		v.SetDefault("http.addr", "127.0.0.1:3210")
	})
}

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(config.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting broadcaster",
		log.String("backend", config.Backend.URL),
		log.String("gateway", config.Signaling.URL))

	api, err := backend.New(&config.Backend, logger.Module("Backend"))
	if err != nil {
		logger.Fatal("Failed to create backend client", log.Error(err))
	}
	gateway, err := signaling.New(&config.Signaling, logger.Module("Signaling"))
	if err != nil {
		logger.Fatal("Failed to create signaling transport", log.Error(err))
	}

	micLogger := logger.Module("Mic")
	publisher := session.NewPublisher(
		gateway,
		api,
		rtc.NewFactory(config.RTC.Servers()),
		func() (session.MediaSource, error) { return media.NewMicrophone(micLogger) },
		clockwork.NewRealClock(),
		broadcast.NewLogNotifier(logger.Module("Session")),
		logger.Module("Session"),
	)

	router := transport.NewRouter(api, publisher, nil, logger.Module("Router"))
	server := httputil.NewServer(&config.HTTP, router.Handler())

	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting control server", log.String("addr", config.HTTP.Addr))
		if err := server.Listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if config.PreacherID != "" {
		g.Go(func() error {
			if err := publisher.Start(gctx, config.PreacherID); err != nil {
				logger.Error("Auto-start broadcast failed", log.Error(err))
			}
			return nil
		})
	}
	logger.Info("Broadcaster started")

	cleanup := func(ctx context.Context) {
		_ = server.Shutdown(ctx)

		if publisher.State().Phase == broadcast.PhaseLive {
			if err := publisher.End(ctx); err != nil {
				logger.Error("Failed to end stream on shutdown", log.Error(err))
			}
		}
		publisher.Close(ctx)

		if err := g.Wait(); err != nil {
			logger.Error("Control server error", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}

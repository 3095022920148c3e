package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
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
	// UserID identifies this listener in presence notifications; a
	// random id is generated when unset.
	UserID string `mapstructure:"user_id"`
	// PreacherID starts listening on boot when set; otherwise the
	// control API drives the session.
	PreacherID string `mapstructure:"preacher_id"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("user_id", "")
		v.SetDefault("preacher_id", "")

		config.Setup(v, "app")
		httputil.Setup(v, "http")
		backend.Setup(v, "backend")
		signaling.Setup(v, "signaling")
		rtc.Setup(v, "rtc")

		// override default http.addr
		v.SetDefault("http.addr", "127.0.0.1:3211")
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

	userID := config.UserID
	if userID == "" {
		userID = uuid.NewString()
		logger.Info("User ID not set, generated one", log.String("userId", userID))
	}

	logger.Info("Starting listener",
		log.String("backend", config.Backend.URL),
		log.String("gateway", config.Signaling.URL),
		log.String("userId", userID))

	api, err := backend.New(&config.Backend, logger.Module("Backend"))
	if err != nil {
		logger.Fatal("Failed to create backend client", log.Error(err))
	}
	gateway, err := signaling.New(&config.Signaling, logger.Module("Signaling"))
	if err != nil {
		logger.Fatal("Failed to create signaling transport", log.Error(err))
	}

	speakerLogger := logger.Module("Speaker")
	listener := session.NewListener(
		gateway,
		api,
		rtc.NewFactory(config.RTC.Servers()),
		func() session.AudioSink { return media.NewSpeaker(speakerLogger) },
		clockwork.NewRealClock(),
		userID,
		broadcast.NewLogNotifier(logger.Module("Session")),
		logger.Module("Session"),
	)

	router := transport.NewRouter(api, nil, listener, logger.Module("Router"))
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
			room, err := api.RoomInfo(gctx, config.PreacherID)
			if err == nil {
				err = listener.Start(gctx, room)
			}
			if err != nil {
				logger.Error("Auto-start listening failed", log.Error(err))
			}
			return nil
		})
	}
	logger.Info("Listener started")

	cleanup := func(ctx context.Context) {
		_ = server.Shutdown(ctx)
		listener.Stop(ctx)

		if err := g.Wait(); err != nil {
			logger.Error("Control server error", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}

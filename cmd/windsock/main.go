package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/torrho/windsock/pkg/firehose"
	"github.com/torrho/windsock/pkg/sequencer"
	"github.com/torrho/windsock/pkg/tracing"
)

func main() {
	app := cli.App{
		Name:    "windsock",
		Usage:   "personal data server event sequencing and firehose service",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "addr to serve echo on",
			Value:   ":6010",
			EnvVars: []string{"WINDSOCK_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "directory to store the event log (pebbleDB)",
			Value:   "./data",
			EnvVars: []string{"WINDSOCK_DATA_DIR"},
		},
		&cli.IntFlag{
			Name:    "channel-capacity",
			Usage:   "per-subscriber outbound frame buffer size",
			Value:   100,
			EnvVars: []string{"WINDSOCK_CHANNEL_CAPACITY"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "how often an idle producer re-polls the event log",
			Value:   100 * time.Millisecond,
			EnvVars: []string{"WINDSOCK_POLL_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "send-timeout",
			Usage:   "max time for a single frame write before the subscriber is evicted",
			Value:   5 * time.Second,
			EnvVars: []string{"WINDSOCK_SEND_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "ping-interval",
			Usage:   "max connection silence before a liveness ping is sent",
			Value:   30 * time.Second,
			EnvVars: []string{"WINDSOCK_PING_INTERVAL"},
		},
		&cli.Int64Flag{
			Name:    "max-catchup",
			Usage:   "max events behind head a cursor may resume from",
			Value:   1000,
			EnvVars: []string{"WINDSOCK_MAX_CATCHUP"},
		},
		&cli.IntFlag{
			Name:    "max-producer-errors",
			Usage:   "consecutive event log read errors before a producer gives up",
			Value:   5,
			EnvVars: []string{"WINDSOCK_MAX_PRODUCER_ERRORS"},
		},
		&cli.Float64Flag{
			Name:    "replay-rate",
			Usage:   "backfill frames per second per subscriber (0 = unlimited)",
			Value:   0,
			EnvVars: []string{"WINDSOCK_REPLAY_RATE"},
		},
		&cli.DurationFlag{
			Name:    "event-ttl",
			Usage:   "time to live for events",
			Value:   72 * time.Hour,
			EnvVars: []string{"WINDSOCK_EVENT_TTL"},
		},
		&cli.DurationFlag{
			Name:    "trim-interval",
			Usage:   "how often to trim expired events",
			Value:   time.Hour,
			EnvVars: []string{"WINDSOCK_TRIM_INTERVAL"},
		},
	}

	app.Action = Windsock

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Windsock is the main function for windsock
func Windsock(cctx *cli.Context) error {
	ctx := cctx.Context

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting windsock")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("initializing tracer...")
		shutdown, err := tracing.InstallExportPipeline(ctx, "Windsock", 0.01)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	seq, err := sequencer.Open(cctx.String("data-dir"), logger)
	if err != nil {
		return fmt.Errorf("failed to open sequencer: %w", err)
	}

	opts := firehose.Options{
		ChannelCapacity:   cctx.Int("channel-capacity"),
		PollInterval:      cctx.Duration("poll-interval"),
		SendTimeout:       cctx.Duration("send-timeout"),
		PingInterval:      cctx.Duration("ping-interval"),
		MaxCatchup:        cctx.Int64("max-catchup"),
		MaxProducerErrors: cctx.Int("max-producer-errors"),
		ErrorBackoffBase:  100 * time.Millisecond,
		ReplayRate:        cctx.Float64("replay-rate"),
	}
	srv := firehose.NewServer(seq, opts, logger)

	admin := &adminHandler{seq: seq, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Hello, World!")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/xrpc/com.atproto.sync.subscribeRepos", srv.HandleSubscribe)
	e.GET("/admin/events", admin.handleRange)
	e.GET("/admin/repo-events", admin.handleRepoEvents)
	e.POST("/admin/invalidate", admin.handleInvalidate)

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	// Startup echo server
	shutdownEcho := make(chan struct{})
	echoShutdown := make(chan struct{})
	go func() {
		log := logger.With("source", "echo_server")

		log.Info("echo server listening", "addr", cctx.String("listen-addr"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Error("failed to start echo server", "error", err)
			}
		}()
		<-shutdownEcho
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown echo server", "error", err)
		}
		log.Info("echo server shut down")
		close(echoShutdown)
	}()

	// Start a goroutine to trim expired events on a timer.
	shutdownTrimmer := make(chan struct{})
	trimmerShutdown := make(chan struct{})
	go func() {
		ctx := context.Background()
		ticker := time.NewTicker(cctx.Duration("trim-interval"))
		log := logger.With("source", "trimmer")

		for {
			select {
			case <-shutdownTrimmer:
				log.Info("shutting down trimmer")
				close(trimmerShutdown)
				return
			case <-ticker.C:
				trimmed, err := seq.TrimEvents(ctx, cctx.Duration("event-ttl"))
				if err != nil {
					log.Error("failed to trim events", "error", err)
				} else if trimmed > 0 {
					log.Info("trimmed expired events", "count", trimmed)
				}
			}
		}
	}()

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("shutting down on signal")
	case <-ctx.Done():
		logger.Info("shutting down on context done")
	}

	logger.Info("shutting down, waiting for workers to clean up...")
	close(shutdownEcho)
	close(shutdownTrimmer)

	<-echoShutdown
	<-trimmerShutdown

	if err := seq.Close(); err != nil {
		logger.Error("failed to close sequencer", "error", err)
	}

	logger.Info("shut down successfully")

	return nil
}

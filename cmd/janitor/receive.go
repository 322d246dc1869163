package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crossguard/janitor/dispatch"
	"github.com/crossguard/janitor/util"
	"github.com/crossguard/janitor/util/cliutil"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	cli "github.com/urfave/cli/v2"
)

// receiveCmd runs a standalone webhook receiver that logs every notification once. It is what a guild points
// its subscription at while wiring up its own integration.
var receiveCmd = &cli.Command{
	Name:  "receive",
	Usage: "run a webhook receiver that logs propagated report changes",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Value:   ":2471",
			EnvVars: []string{"JANITOR_RECEIVER_BIND"},
		},
		&cli.StringFlag{
			Name:    "auth-token",
			Usage:   "bearer token the dispatcher sends; unchecked when empty",
			EnvVars: []string{"JANITOR_RECEIVER_AUTH_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for idempotency keys; in-process when empty",
			EnvVars: []string{"JANITOR_REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "dedupe-ttl",
			Usage:   "how long an idempotency key is remembered",
			Value:   72 * time.Hour,
			EnvVars: []string{"JANITOR_RECEIVER_DEDUPE_TTL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := cliutil.ConfigLogger(cctx, os.Stdout)
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var dedupe dispatch.Deduper = dispatch.NewMemDeduper(100_000, cctx.Duration("dedupe-ttl"))
		if u := cctx.String("redis-url"); u != "" {
			rdb, err := util.NewRedisClient(ctx, u)
			if err != nil {
				return err
			}
			defer rdb.Close()
			dedupe = dispatch.NewRedisDeduper(rdb, "janitor/receiver/", cctx.Duration("dedupe-ttl"))
		}

		recv := dispatch.NewReceiver(dedupe, logNotification(logger),
			dispatch.WithAuthToken(cctx.String("auth-token")),
			dispatch.WithLogger(logger),
		)
		httpd := &http.Server{
			Addr:              cctx.String("bind"),
			Handler:           newReceiverServer(logger, recv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpd.Shutdown(sctx)
		}()

		logger.Info("starting receiver", "bind", httpd.Addr)
		if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("receiver: %w", err)
		}
		return nil
	},
}

// newReceiverServer serves recv on every path except the health check.
func newReceiverServer(logger *slog.Logger, recv http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.Any("/*", echo.WrapHandler(recv))
	return e
}

func logNotification(logger *slog.Logger) dispatch.NotificationHandler {
	return func(ctx context.Context, n *dispatch.Notification) error {
		logger.Info("report change received",
			"report", n.ReportID,
			"kind", n.Kind,
			"subject", n.Subject,
			"category", n.Category,
			"origin_guild", n.OriginGuild,
			"active", n.IsActive,
			"key", n.IdempotencyKey,
		)
		return nil
	}
}

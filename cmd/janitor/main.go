package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/dispatch"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/migrate"
	"github.com/crossguard/janitor/policy"
	"github.com/crossguard/janitor/registry"
	"github.com/crossguard/janitor/scoring"
	"github.com/crossguard/janitor/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "janitor",
		Usage:   "cross-guild bad actor registry and moderation propagation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://data/janitor/janitor.sqlite",
			EnvVars: []string{"JANITOR_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "maximum open database connections (postgres only)",
			Value:   40,
			EnvVars: []string{"JANITOR_MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"JANITOR_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		migrateCmd,
		receiveCmd,
		adminCmd,
		userCmd,
		scoresCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the janitor daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for API requests",
			Value:   ":2470",
			EnvVars: []string{"JANITOR_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"JANITOR_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token the platform integration presents on every API request",
			EnvVars: []string{"JANITOR_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for score caching, filing quotas and actioned markers; in-process stores when empty",
			EnvVars: []string{"JANITOR_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "weights-file",
			Usage:   "YAML file with category weights and policy tuning",
			EnvVars: []string{"JANITOR_WEIGHTS_FILE"},
		},
		&cli.IntFlag{
			Name:    "guild-report-quota",
			Usage:   "reports a guild may file per day before filing is refused (0 disables)",
			Value:   0,
			EnvVars: []string{"JANITOR_GUILD_REPORT_QUOTA"},
		},
		&cli.BoolFlag{
			Name:    "notify-origin-guild",
			Usage:   "also deliver notifications to the guild a report came from",
			EnvVars: []string{"JANITOR_NOTIFY_ORIGIN_GUILD"},
		},
		&cli.IntFlag{
			Name:    "delivery-max-attempts",
			Usage:   "webhook attempts per notification before it is recorded as failed",
			Value:   5,
			EnvVars: []string{"JANITOR_DELIVERY_MAX_ATTEMPTS"},
		},
		&cli.DurationFlag{
			Name:    "delivery-timeout",
			Usage:   "timeout of a single webhook attempt",
			Value:   10 * time.Second,
			EnvVars: []string{"JANITOR_DELIVERY_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "delivery-backoff-min",
			Value:   time.Second,
			EnvVars: []string{"JANITOR_DELIVERY_BACKOFF_MIN"},
		},
		&cli.DurationFlag{
			Name:    "delivery-backoff-max",
			Value:   30 * time.Second,
			EnvVars: []string{"JANITOR_DELIVERY_BACKOFF_MAX"},
		},
		&cli.IntFlag{
			Name:    "queue-depth",
			Usage:   "undelivered notifications kept per guild; the oldest are dropped beyond it",
			Value:   1000,
			EnvVars: []string{"JANITOR_QUEUE_DEPTH"},
		},
		&cli.IntFlag{
			Name:    "delivery-parallelism",
			Usage:   "webhook deliveries in flight across all guilds (0 for one per guild)",
			Value:   0,
			EnvVars: []string{"JANITOR_DELIVERY_PARALLELISM"},
		},
		&cli.Float64Flag{
			Name:    "delivery-rate-limit",
			Usage:   "webhook deliveries per second to a single guild (0 for unlimited)",
			Value:   0,
			EnvVars: []string{"JANITOR_DELIVERY_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "delivery-auth-token",
			Usage:   "bearer token sent to webhook receivers",
			EnvVars: []string{"JANITOR_DELIVERY_AUTH_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "Slack incoming webhook for permanent delivery failures",
			EnvVars: []string{"JANITOR_SLACK_WEBHOOK_URL", "SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server to mirror report changes to; disabled when empty",
			EnvVars: []string{"JANITOR_NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-subject",
			Value:   "janitor.reports",
			EnvVars: []string{"JANITOR_NATS_SUBJECT"},
		},
	},
	Action: runDaemon,
}

func openDB(cctx *cli.Context, logger *slog.Logger) (*gorm.DB, error) {
	return cliutil.SetupDatabase(cctx.String("database-url"), cliutil.DatabaseOptions{
		MaxConnections: cctx.Int("max-db-connections"),
		Logger:         logger,
		Tracing:        true,
	})
}

func closeDB(db *gorm.DB, logger *slog.Logger) {
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		logger.Warn("failed to close database", "err", err)
	}
}

func runDaemon(cctx *cli.Context) error {
	logger := cliutil.ConfigLogger(cctx, os.Stdout)

	shutdownOTEL, err := configOTEL("janitor")
	if err != nil {
		return err
	}
	defer shutdownOTEL()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cctx, logger)
	if err != nil {
		return err
	}
	defer closeDB(db, logger)
	if _, err := migrate.Run(ctx, db, logger); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	weights, tuning, err := loadTuning(cctx.String("weights-file"))
	if err != nil {
		return err
	}

	st, err := configStores(ctx, cctx.String("redis-url"))
	if err != nil {
		return err
	}
	defer st.Close()

	bus := event.NewBus(logger)
	ac := access.NewController(db, logger)
	reg := registry.NewRegistry(db, registry.Config{
		Logger:          logger,
		Access:          ac,
		Bus:             bus,
		Counters:        st.counts,
		GuildDailyQuota: cctx.Int("guild-report-quota"),
	})
	scorer := scoring.NewScorer(db, scoring.Config{
		Logger:  logger,
		Weights: weights,
		Cache:   st.cache,
	})
	policies := policy.NewStore(db, policy.StoreConfig{
		Logger: logger,
		Access: ac,
	})
	engine, err := policy.NewEngine(policies, policy.EngineConfig{
		Logger: logger,
		Tuning: tuning,
		Counts: reg,
		Scores: scorer,
		Flags:  st.flags,
	})
	if err != nil {
		return err
	}

	var notifier dispatch.FailureNotifier = &dispatch.LogNotifier{Logger: logger}
	if u := cctx.String("slack-webhook-url"); u != "" {
		notifier = dispatch.MultiNotifier{notifier, dispatch.NewSlackNotifier(u)}
	}
	disp := dispatch.NewDispatcher(db, dispatch.Config{
		Logger:         logger,
		Access:         ac,
		Notifier:       notifier,
		NotifyOrigin:   cctx.Bool("notify-origin-guild"),
		MaxAttempts:    cctx.Int("delivery-max-attempts"),
		AttemptTimeout: cctx.Duration("delivery-timeout"),
		BackoffMin:     cctx.Duration("delivery-backoff-min"),
		BackoffMax:     cctx.Duration("delivery-backoff-max"),
		QueueDepth:     cctx.Int("queue-depth"),
		Parallelism:    cctx.Int("delivery-parallelism"),
		RateLimit:      rate.Limit(cctx.Float64("delivery-rate-limit")),
		AuthToken:      cctx.String("delivery-auth-token"),
		UserAgent:      "janitor/" + versioninfo.Short(),
	})

	bus.Subscribe("scorer", scorer)
	bus.SubscribeTx("dispatcher", disp)
	bus.Subscribe("dispatcher", disp)
	if u := cctx.String("nats-url"); u != "" {
		nc, err := event.ConnectNATS(logger, u)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Drain()
		bus.Subscribe("nats", event.NewNATSMirror(logger, nc, cctx.String("nats-subject")))
	}

	srv := NewServer(Services{
		Access:     ac,
		Registry:   reg,
		Scorer:     scorer,
		Policies:   policies,
		Engine:     engine,
		Dispatcher: disp,
	}, Config{
		Logger:     logger,
		Bind:       cctx.String("bind"),
		AdminToken: cctx.String("admin-token"),
	})
	if cctx.String("admin-token") == "" {
		logger.Warn("no admin token configured, the API accepts unauthenticated callers")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.RunAPI(gctx)
	})
	g.Go(func() error {
		if err := RunMetrics(gctx, cctx.String("metrics-listen")); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return disp.Run(gctx)
	})

	err = g.Wait()
	logger.Info("janitor stopped")
	return err
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "apply pending database migrations and exit",
	Action: func(cctx *cli.Context) error {
		logger := cliutil.ConfigLogger(cctx, os.Stderr)
		db, err := openDB(cctx, logger)
		if err != nil {
			return err
		}
		defer closeDB(db, logger)
		ctx := context.Background()
		before, err := migrate.Current(ctx, db)
		if err != nil {
			return err
		}
		after, err := migrate.Run(ctx, db, logger)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d -> %d\n", before, after)
		return nil
	},
}

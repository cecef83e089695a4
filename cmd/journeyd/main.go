// journeyd runs the journey automation engine: webhook ingestion, rule
// evaluation, the state machine, the delayed task scheduler, and the job
// executor, all in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/admin"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/catalog"
	"github.com/nowcrm/journeys/entitystore"
	"github.com/nowcrm/journeys/executor"
	"github.com/nowcrm/journeys/logging"
	"github.com/nowcrm/journeys/rules"
	"github.com/nowcrm/journeys/runner"
	"github.com/nowcrm/journeys/schedule"
	"github.com/nowcrm/journeys/state"
	"github.com/nowcrm/journeys/trigger"
)

var version = "dev"

type cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Run the journey engine."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(version)
	return nil
}

type serveCmd struct {
	HTTPAddr          string        `env:"HTTP_ADDR" default:":8080" help:"HTTP listen address."`
	AMQPURL           string        `env:"AMQP_URL" help:"AMQP broker URL. Empty runs the in-process bus."`
	PostgresDSN       string        `env:"POSTGRES_DSN" help:"Postgres DSN. Empty runs in-memory stores."`
	RedisAddr         string        `env:"REDIS_ADDR" help:"Redis address for ingestion dedup. Empty runs in-process dedup."`
	EntityStoreURL    string        `env:"ENTITY_STORE_URL" help:"Entity store base URL. Empty runs the in-memory store."`
	EntityStoreToken  string        `env:"ENTITY_STORE_TOKEN" help:"Entity store bearer token."`
	SeedFile          string        `env:"SEED_FILE" help:"YAML journey definitions loaded at startup."`
	Workers           int           `env:"WORKERS" default:"4" help:"Consumer workers per queue."`
	Prefetch          int           `env:"PREFETCH" default:"16" help:"AMQP prefetch per consumer."`
	BusMaxAttempts    int           `env:"BUS_MAX_ATTEMPTS" default:"5" help:"Delivery attempts before dead-lettering."`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" default:"1m" help:"Delayed task poll interval."`
	SchedulerBatch    int           `env:"SCHEDULER_BATCH" default:"100" help:"Max tasks fired per tick."`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" default:"5" help:"Action attempts before a job fails."`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT" default:"30s" help:"Per-attempt action timeout."`
	DedupTTL          time.Duration `env:"DEDUP_TTL" default:"1h" help:"Ingestion dedup window."`
	LogLevel          string        `env:"LOG_LEVEL" default:"info" help:"Log level."`
}

func main() {
	var app cli
	ktx := kong.Parse(&app,
		kong.Name("journeyd"),
		kong.Description("Journey automation engine."),
		kong.UsageOnError(),
	)
	ktx.FatalIfErrorf(ktx.Run())
}

func (c *serveCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(c.LogLevel, os.Stdout)
	logger.Info("journeyd %s starting", version)

	var pool *pgxpool.Pool
	if c.PostgresDSN != "" {
		var err error
		pool, err = pgxpool.New(ctx, c.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	stores, err := buildStores(ctx, pool)
	if err != nil {
		return err
	}

	b, err := c.buildBus(ctx, logger)
	if err != nil {
		return err
	}

	dedup, err := c.buildDedup(ctx)
	if err != nil {
		return err
	}

	var entities entitystore.Client
	if c.EntityStoreURL != "" {
		entities = entitystore.NewHTTP(c.EntityStoreURL, c.EntityStoreToken,
			entitystore.WithHTTPLogger(logger))
	} else {
		logger.Warn("no entity store configured, using the in-memory store")
		entities = entitystore.NewMemory()
	}

	if c.SeedFile != "" {
		n, err := catalog.Seed(ctx, stores.catalog, c.SeedFile)
		if err != nil {
			return err
		}
		logger.Info("seeded %d journey definitions from %s", n, c.SeedFile)
	}

	machine := state.NewMachine(stores.states, stores.idem, stores.tasks, stores.catalog, b,
		state.WithMachineLogger(logger))

	evaluator := rules.NewEvaluator(stores.catalog, stores.states, b,
		rules.WithEvaluatorLogger(logger),
		rules.WithEntityReader(entities))

	registry := executor.NewRegistry(entities, executor.LogSender{Logger: logger})
	exec := executor.New(registry, stores.ledger, b,
		executor.WithExecutorLogger(logger),
		executor.WithRecorder(stores.recorder),
		executor.WithHandler(runner.NewHandler(
			runner.WithMaxAttempts(c.JobMaxAttempts),
			runner.WithTimeout(c.JobTimeout),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
				Base:   250 * time.Millisecond,
				Factor: 2,
				Max:    10 * time.Second,
			}),
			runner.WithLogger(logger),
		)))

	if err := evaluator.Register(b, c.Workers); err != nil {
		return err
	}
	if err := state.NewConsumer(machine, logger).Register(b, c.Workers); err != nil {
		return err
	}
	if err := exec.Register(b, c.Workers); err != nil {
		return err
	}

	scheduler := schedule.NewScheduler(stores.tasks, b,
		schedule.WithInterval(c.SchedulerInterval),
		schedule.WithBatchSize(c.SchedulerBatch),
		schedule.WithSchedulerLogger(logger))

	webhook := trigger.NewWebhook(b, dedup, trigger.WithWebhookLogger(logger))
	server := admin.NewServer(c.HTTPAddr, stores.catalog, machine, webhook,
		admin.WithServerLogger(logger))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(b.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(scheduler.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(server.Run(ctx)) })

	err = g.Wait()
	logger.Info("journeyd stopped")
	return err
}

func (c *serveCmd) buildBus(ctx context.Context, logger journeys.Logger) (bus.Bus, error) {
	if c.AMQPURL == "" {
		logger.Warn("no broker configured, using the in-process bus")
		return bus.NewMemory(
			bus.WithMemoryMaxAttempts(c.BusMaxAttempts),
			bus.WithMemoryLogger(logger),
		), nil
	}
	b := bus.NewAMQP(c.AMQPURL,
		bus.WithPrefetch(c.Prefetch),
		bus.WithMaxAttempts(c.BusMaxAttempts),
		bus.WithAMQPLogger(logger),
	)
	if err := b.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	return b, nil
}

func (c *serveCmd) buildDedup(ctx context.Context) (trigger.DedupStore, error) {
	if c.RedisAddr == "" {
		return trigger.NewMemoryDedup(c.DedupTTL), nil
	}
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return trigger.NewRedisDedup(client, c.DedupTTL), nil
}

// engineStores groups the persistence layer, memory or Postgres as one.
type engineStores struct {
	catalog  catalog.Store
	states   state.Store
	idem     state.IdempotencyStore
	tasks    schedule.Store
	ledger   executor.Ledger
	recorder executor.ActivityRecorder
}

func buildStores(ctx context.Context, pool *pgxpool.Pool) (*engineStores, error) {
	if pool == nil {
		return &engineStores{
			catalog:  catalog.NewInMemory(),
			states:   state.NewInMemory(),
			idem:     state.NewMemoryIdempotency(),
			tasks:    schedule.NewInMemory(),
			ledger:   executor.NewMemoryLedger(),
			recorder: executor.NewMemoryRecorder(),
		}, nil
	}

	cat := catalog.NewPostgres(pool)
	states := state.NewPostgres(pool)
	idem := state.NewPostgresIdempotency(pool)
	tasks := schedule.NewPostgres(pool)
	ledger := executor.NewPostgresLedger(pool)
	recorder := executor.NewPostgresRecorder(pool)

	for _, ensure := range []func(context.Context) error{
		cat.EnsureSchema,
		states.EnsureSchema,
		idem.EnsureSchema,
		tasks.EnsureSchema,
		ledger.EnsureSchema,
		recorder.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return nil, err
		}
	}

	return &engineStores{
		catalog:  cat,
		states:   states,
		idem:     idem,
		tasks:    tasks,
		ledger:   ledger,
		recorder: recorder,
	}, nil
}

func ignoreCancel(err error) error {
	if err == nil || err == context.Canceled || err == http.ErrServerClosed {
		return nil
	}
	return err
}

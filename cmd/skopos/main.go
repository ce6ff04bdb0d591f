// Command skopos runs the semantic search and recommendation service.
//
// Usage:
//
//	skopos serve
//	skopos migrate
//	skopos maintain
//	skopos cleanup
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/indexers"
	"github.com/skoposlabs/skopos/pkg/ingest"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/server"
	"github.com/skoposlabs/skopos/pkg/store"
	"github.com/skoposlabs/skopos/pkg/suggest"
)

type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server with background workers."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
	Maintain MaintainCmd `cmd:"" help:"Run one index maintenance pass over every collection."`
	Cleanup  CleanupCmd  `cmd:"" help:"Run every retention job once."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config string `short:"c" help:"Path to a YAML config file; the environment is used when omitted." type:"path"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("skopos %s\n", version)
	return nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Migrate()
}

type MaintainCmd struct{}

func (c *MaintainCmd) Run(cli *CLI) error {
	return withApp(cli, func(ctx context.Context, a *app) error {
		return a.ingestor.MaintainAll(ctx)
	})
}

type CleanupCmd struct{}

func (c *CleanupCmd) Run(cli *CLI) error {
	return withApp(cli, func(ctx context.Context, a *app) error {
		return a.ingestor.CleanupAll(ctx)
	})
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	return withApp(cli, func(ctx context.Context, a *app) error {
		metrics, err := observability.InitMetrics()
		if err != nil {
			return err
		}
		observability.SetGlobalMetrics(metrics)

		if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig(a.cfg.Tracing)); err != nil {
			return err
		}

		srv := server.New(a.cfg, a.store, a.organization,
			a.searcher, a.aggregator, a.suggestor, a.autocompletor, a.ingestor)

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error { return srv.ListenAndServe(ctx) })
		group.Go(func() error { return a.ingestor.Start(ctx) })
		group.Go(func() error { return a.ingestor.RunPeriodic(ctx) })

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// app holds the wired service graph shared by the commands.
type app struct {
	cfg           *config.Config
	store         *store.Store
	redis         *redis.Client
	organization  *store.Organization
	searcher      *search.Searcher
	aggregator    *aggregate.Aggregator
	suggestor     *suggest.Suggestor
	autocompletor *suggest.Autocompletor
	ingestor      *ingest.Ingestor
}

func withApp(cli *CLI, fn func(context.Context, *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := newApp(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, a)
}

func newApp(ctx context.Context, cli *CLI) (*app, func(), error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return nil, nil, err
	}
	if err := initLogger(cfg); err != nil {
		return nil, nil, err
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	c := buildCache(cfg, rdb)

	organization, err := st.GetOrCreateOrganization(ctx, cfg.Organization)
	if err != nil {
		_ = st.Close()
		_ = rdb.Close()
		return nil, nil, err
	}

	factory := indexers.NewFactory(rdb, st, cfg.Qdrant)
	searcher := search.New(st, factory, c, cfg.LLM, cfg.Embeddings)
	aggregator := aggregate.New(searcher, c, cfg.LLM)

	resolver := func(ctx context.Context, name string) (*store.Collection, error) {
		return st.GetOrCreateCollection(ctx, organization.ID, name,
			store.CollectionConfig{}, cfg.Embeddings.DefaultModel)
	}
	autocompletor := suggest.NewAutocompletor(searcher, resolver, c, cfg.LLM)
	suggestor := suggest.NewSuggestor(autocompletor, searcher, aggregator, resolver)

	locker := ingest.NewLocker(rdb)
	ingestor := ingest.New(st, factory, c, locker,
		cfg.Ingest, cfg.Retention, cfg.LLM, cfg.Embeddings)

	a := &app{
		cfg:           cfg,
		store:         st,
		redis:         rdb,
		organization:  organization,
		searcher:      searcher,
		aggregator:    aggregator,
		suggestor:     suggestor,
		autocompletor: autocompletor,
		ingestor:      ingestor,
	}
	cleanup := func() {
		_ = st.Close()
		_ = rdb.Close()
	}
	return a, cleanup, nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if cli.Config != "" {
		return config.LoadFile(cli.Config)
	}
	return config.Load()
}

func initLogger(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cfg.Logger.File != "" {
		file, _, err := logger.OpenLogFile(cfg.Logger.File)
		if err != nil {
			return err
		}
		output = file
	}
	logger.Init(level, output, cfg.Logger.Format)
	return nil
}

func buildCache(cfg *config.Config, rdb *redis.Client) cache.Cache {
	log := logger.New("cache")
	switch cfg.Cache.Backend {
	case "redis":
		return cache.Safe(cache.NewRedis(rdb), log)
	case "none":
		return cache.NewNoop()
	default:
		return cache.Safe(cache.NewMemcached(cfg.Memcached.Addr), log)
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("skopos"),
		kong.Description("Semantic search, recommendations and structured extraction over your data."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

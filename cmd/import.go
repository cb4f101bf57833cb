package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/api"
	"github.com/JakeFAU/country-content-importer/internal/catalog"
	"github.com/JakeFAU/country-content-importer/internal/clock/system"
	"github.com/JakeFAU/country-content-importer/internal/config"
	collyfetcher "github.com/JakeFAU/country-content-importer/internal/fetcher/colly"
	"github.com/JakeFAU/country-content-importer/internal/httpclient"
	"github.com/JakeFAU/country-content-importer/internal/id/uuid"
	"github.com/JakeFAU/country-content-importer/internal/importer"
	"github.com/JakeFAU/country-content-importer/internal/logging"
	"github.com/JakeFAU/country-content-importer/internal/metrics"
	"github.com/JakeFAU/country-content-importer/internal/orchestrator"
	"github.com/JakeFAU/country-content-importer/internal/policy/ratelimit"
	"github.com/JakeFAU/country-content-importer/internal/progress"
	pubsubpublisher "github.com/JakeFAU/country-content-importer/internal/publisher/pubsub"
	"github.com/JakeFAU/country-content-importer/internal/storage/gcs"
	"github.com/JakeFAU/country-content-importer/internal/storage/local"
	"github.com/JakeFAU/country-content-importer/internal/storage/postgres"
	"github.com/JakeFAU/country-content-importer/internal/telemetry"
	"github.com/JakeFAU/country-content-importer/internal/wiki"
)

type importOptions struct {
	entities  []string
	languages []string
	workers   int
	serve     bool
}

func newImportCmd() *cobra.Command {
	opts := importOptions{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Runs the content import",
		Long: `Imports every outstanding (country, language) unit of the catalog.
Units completed by an earlier run are skipped; use "progress reset" to start over.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runImport(cmd.Context(), app, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.entities, "entity", nil, "only import these catalog codes (repeatable)")
	cmd.Flags().StringSliceVar(&opts.languages, "languages", nil, "override importer.languages, e.g. en,de")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "override importer.workers")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve /healthz, /readyz, /metrics, /progress and /stats while importing")
	return cmd
}

func runImport(parent context.Context, app *App, opts importOptions) error {
	cfg := app.Config
	logger := app.Logger
	if len(opts.languages) > 0 {
		cfg.Importer.Languages = opts.languages
	}
	if opts.workers > 0 {
		cfg.Importer.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireDB(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, logging.ServiceName, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	store, err := postgres.NewStore(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	}, logger.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach database: %w", err)
	}

	client := newHTTPClient(cfg, logger)
	endpoints := cfg.Resolver.Endpoints

	tracker := progress.New(progress.Config{
		Path:      cfg.Progress.Path,
		SaveEvery: cfg.Progress.SaveEvery,
		Logger:    logger.Named("progress"),
	})
	tracker.Load()

	archive, closeArchive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	defer closeArchive()

	publisher, closePublisher, err := openPublisher(ctx, cfg.PubSub)
	if err != nil {
		return err
	}
	defer closePublisher()

	deps := orchestrator.Deps{
		Catalog:   catalog.Filter(openCatalog(cfg.Catalog, store), opts.entities),
		Store:     store,
		Resolver:  wiki.NewResolver(client, store, wiki.ResolverConfig{Endpoints: endpoints, SearchTTL: cfg.Resolver.SearchTTL}, logger.Named("resolver")),
		Fetcher:   wiki.NewFetcher(client, endpoints, logger.Named("fetcher")),
		Tracker:   tracker,
		Archive:   archive,
		Publisher: publisher,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    logger.Named("orchestrator"),
		Tracer:    telemetry.Tracer(),
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Languages:       cfg.Importer.Languages,
		Workers:         cfg.Importer.Workers,
		UnitTransaction: cfg.Importer.UnitTransaction,
		FlagURL:         cfg.Importer.FlagURL,
	}, deps)
	if err != nil {
		return err
	}

	if opts.serve {
		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.NewServer(api.Deps{
				DB:       store,
				Progress: tracker,
				Stats:    orch,
				Breaker:  client.Breaker(),
				APIKey:   cfg.Server.APIKey,
				Logger:   logger.Named("api"),
			}).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("status server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", zap.Error(err))
			}
		}()
	}

	stats, err := orch.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("import interrupted; progress saved", zap.Int("units_processed", stats.UnitsProcessed()))
			return nil
		}
		return fmt.Errorf("run import: %w", err)
	}
	return nil
}

func newHTTPClient(cfg config.Config, logger *zap.Logger) *httpclient.Client {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Importer.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{MinInterval: cfg.RateLimit.MinInterval})
	return httpclient.New(httpclient.Config{
		UserAgent:      cfg.Importer.UserAgent,
		MaxAttempts:    cfg.HTTP.MaxAttempts,
		BackoffBase:    cfg.HTTP.BackoffBase,
		BackoffMax:     cfg.HTTP.BackoffMax,
		BreakerLimit:   cfg.Breaker.Threshold,
		BreakerTimeout: cfg.Breaker.Cooldown,
	}, transport, limiter, logger.Named("http"))
}

func openCatalog(cfg config.CatalogConfig, store *postgres.Store) importer.Catalog {
	if cfg.Source == config.CatalogDB {
		return catalog.NewDB(store)
	}
	return catalog.NewFile(cfg.Path)
}

// openArchive returns a nil store for the none driver.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (importer.BlobStore, func(), error) {
	noop := func() {}
	switch cfg.Driver {
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		return store, noop, nil
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("open gcs archive: %w", err)
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, noop, nil
	}
}

// openPublisher returns a nil publisher when no topic is configured.
func openPublisher(ctx context.Context, cfg config.PubSubConfig) (importer.Publisher, func(), error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := pubsubpublisher.New(client.Topic(cfg.Topic))
	return publisher, func() {
		publisher.Stop()
		_ = client.Close()
	}, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"andaweb/infra/branding"
	"andaweb/pkg/bus"
	"andaweb/pkg/db"
	"andaweb/pkg/query"
	"andaweb/pkg/render"
	gos3 "andaweb/pkg/s3"
	"andaweb/pkg/telemetry"
	"andaweb/services/anda"
	"andaweb/services/dashboard"
	"andaweb/services/dashboard/internal/config"
	"andaweb/services/session"
)

const serviceName = "anda-web"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Web dashboard for the Anda build platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newArtifactsCommand())
	cmd.AddCommand(newInvalidateCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTelemetry, telemetryMiddleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
		Console:  cfg.LogConsole,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		store session.Store = session.NewMemoryStore()
		pool  *pgxpool.Pool
	)
	if cfg.DB.DSN != "" {
		pool, err = db.Open(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		logger.Info().Ints64("versions", applied).Msg("session store migrated")
		store = session.NewPGStore(pool)
	} else {
		logger.Warn().Msg("DB_DSN not set, sessions are kept in memory")
	}

	sessions, err := session.NewProvider(ctx, cfg.OIDC, store, logger)
	if err != nil {
		return fmt.Errorf("init session provider: %w", err)
	}
	if !sessions.Enabled() {
		logger.Warn().Msg("OIDC disabled, dashboard is open to anonymous users")
	}

	backend, err := anda.New(cfg.API.BaseURL, anda.WithTokenSource(sessions))
	if err != nil {
		return err
	}

	cache := query.New(query.Options{
		StaleTime:    cfg.Cache.StaleTime,
		CacheTime:    cfg.Cache.CacheTime,
		RetryAfter:   cfg.Cache.RetryAfter,
		FetchTimeout: cfg.Cache.FetchTimeout,
		Metrics:      query.NewMetrics(registry),
		Logger:       logger,
	})
	go cache.Run(ctx, cfg.Cache.GCInterval)
	if pruner, ok := store.(session.Pruner); ok {
		go session.RunPruner(ctx, pruner, cfg.OIDC.PruneInterval, logger)
	}

	var presigner dashboard.Presigner
	if cfg.S3.Enabled() {
		client, err := gos3.NewClient(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		presigner = client
	}

	if cfg.NATS.URL != "" {
		eventBus, err := bus.New(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()

		if err := eventBus.EnsureStream(cfg.NATS.Stream, dashboard.EventSubjects...); err != nil {
			return err
		}
		listener, err := dashboard.NewInvalidator(cache, logger).Listen(ctx, eventBus, cfg.NATS.Durable)
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		defer listener.Close()
	}

	renderer, err := render.New()
	if err != nil {
		return err
	}

	ready := func(ctx context.Context) error {
		if pool != nil {
			return db.Ping(ctx, pool)
		}
		return nil
	}

	dash, err := dashboard.New(dashboard.Deps{
		Backend:   backend,
		Cache:     cache,
		Sessions:  sessions,
		Presigner: presigner,
		Gatherer:  registry,
		Ready:     ready,
		Logger:    logger,
	}, renderer, dashboard.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		LoadWait:       cfg.HTTP.LoadWait,
		LoadingRefresh: cfg.HTTP.LoadingRefresh,
		Branding:       branding.Files,
	})
	if err != nil {
		return err
	}

	handler, err := dash.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           telemetryMiddleware(handler),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("api", cfg.API.BaseURL).Msg("starting anda-web")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	return nil
}

func newArtifactsCommand() *cobra.Command {
	var (
		output  string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "artifacts <project-id>",
		Short: "List the artifacts of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			backend, err := anda.New(cfg.API.BaseURL, anda.WithTokenSource(staticToken(token)))
			if err != nil {
				return err
			}

			var presigner dashboard.Presigner
			if cfg.S3.Enabled() {
				if presigner, err = gos3.NewClient(ctx, cfg.S3); err != nil {
					return err
				}
			}

			view := dashboard.NewArtifactsView(backend, query.New(query.Options{FetchTimeout: timeout}), presigner, zerolog.Nop())
			page := view.Load(ctx, args[0])
			switch {
			case page.Failed():
				return page.Err
			case page.Loading():
				return fmt.Errorf("timed out after %s waiting for artifacts", timeout)
			}
			return writeRows(cmd.OutOrStdout(), output, page.Rows)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ANDA_TOKEN"), "Bearer token sent to the Anda API")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the Anda API")
	return cmd
}

func writeRows(w io.Writer, format string, rows []dashboard.Row) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(rows)
	case "table", "":
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Kind", "Name", "Details", "Download"})
		table.SetAutoWrapText(false)
		for _, row := range rows {
			table.Append([]string{string(row.Kind), row.Name, strings.Join(row.Meta, " • "), row.DownloadURL})
		}
		table.Render()
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

func newInvalidateCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "invalidate [project-id]",
		Short: "Tell running dashboards to refetch a project's artifacts",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				if len(args) > 0 {
					return errors.New("--all accepts no project-id arg")
				}
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NATS.URL == "" {
				return errors.New("NATS_URL is required")
			}

			eventBus, err := bus.New(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer eventBus.Close()

			if err := eventBus.EnsureStream(cfg.NATS.Stream, dashboard.EventSubjects...); err != nil {
				return err
			}

			ev := dashboard.Event{All: all}
			target := "every project"
			if !all {
				ev.ProjectID = args[0]
				target = args[0]
			}
			if err := eventBus.Publish(ctx, dashboard.ArtifactsUpdatedSubject, ev); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated artifacts of %s\n", target)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Invalidate the artifacts of every project")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DB.DSN == "" {
				return errors.New("DB_DSN is required")
			}

			pool, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied migration %d\n", v)
			}
			return nil
		},
	}
}

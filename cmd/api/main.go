package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"collabboard/api/internal/app"
	"collabboard/api/internal/archive"
	"collabboard/api/internal/auth"
	"collabboard/api/internal/config"
	"collabboard/api/internal/logging"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabboard-api",
		Short: "CollabBoard API server",
		Long:  "Serves the CollabBoard REST API with board event streams over SSE and WebSocket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back Postgres schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (defaults to COLLAB_MIGRATIONS_DIR)")

	run := func(ctx context.Context, up bool) error {
		cfg := config.Load()
		logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Service: "collabboard-migrate"})
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if up {
			err = store.ApplyMigrations(ctx, db, dir)
		} else {
			err = store.RollbackMigrations(ctx, db, dir)
		}
		if err != nil {
			logger.WithError(err).Error("migration failed")
			return err
		}
		logger.WithFields(log.Fields{"dir": dir, "up": up}).Info("migrations complete")
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(c *cobra.Command, args []string) error {
			return run(c.Context(), true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(c *cobra.Command, args []string) error {
			return run(c.Context(), false)
		},
	})
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived board snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print the snapshot stored under an archive key",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Service: "collabboard-archive"})
			archiver, err := openArchiver(c.Context(), cfg, logger)
			if err != nil {
				return err
			}
			snap, err := archiver.Load(c.Context(), args[0])
			if err != nil {
				logger.WithError(err).WithField("key", args[0]).Error("load board archive")
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.OutOrStdout(), string(out))
			return err
		},
	})
	return cmd
}

// openArchiver returns an archiver over MinIO, or a discarding one when no
// endpoint is configured.
func openArchiver(ctx context.Context, cfg config.Config, logger *log.Logger) (*archive.Archiver, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return archive.New(nil, logger), nil
	}
	objects, err := archive.NewMinio(ctx, archive.MinioOptions{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return archive.New(nil, logger), err
	}
	return archive.New(objects, logger), nil
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := config.Load()
	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Service: "collabboard-api"})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	dataStore, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsDir,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.StoreDriver).Error("store connection failed")
		return err
	}
	defer dataStore.Close()

	hub := realtime.NewHub(cfg.SubscriberBuffer, logger)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Error("invalid REDIS_URL")
			return err
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		relay := realtime.NewRedisRelay(client, hub, realtime.RelayOptions{Channel: cfg.RealtimeChannel}, logger)
		go relay.Run(ctx)
		logger.WithField("channel", cfg.RealtimeChannel).Info("board events relayed through redis")
	}

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		engine = meili
	}
	searchService := search.NewService(engine, dataStore, logger)
	defer searchService.Close()
	if engine != nil {
		go func() {
			if err := searchService.ReindexAll(ctx); err != nil {
				logger.WithError(err).Warn("search reindex failed")
			}
		}()
	}

	archiver, err := openArchiver(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("board archive disabled")
	}
	defer archiver.Wait()

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}
	defer verifier.Close()

	service := app.New(app.Dependencies{
		Store:   dataStore,
		Hub:     hub,
		Search:  searchService,
		Archive: archiver,
		Logger:  logger,
	})
	httpServer := app.NewHTTPServer(service, verifier, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	// No WriteTimeout: event streams stay open.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("CollabBoard API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("server failed")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	return nil
}

func newVerifier(cfg config.Config, logger *log.Logger) (*auth.Verifier, error) {
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return auth.NewHMACVerifier([]byte(cfg.JWTSecret)), nil
	}
	verifier, err := auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer, func(err error) {
		logger.WithError(err).Warn("jwks refresh failed")
	})
	if err != nil {
		logger.WithError(err).Error("jwks setup failed")
		return nil, err
	}
	return verifier, nil
}

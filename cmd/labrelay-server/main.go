package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/labrelay/labrelay/internal/batch"
	"github.com/labrelay/labrelay/internal/config"
	"github.com/labrelay/labrelay/internal/engine"
	"github.com/labrelay/labrelay/internal/platform/blobstore"
	"github.com/labrelay/labrelay/internal/platform/db"
	"github.com/labrelay/labrelay/internal/platform/hl7v2"
	"github.com/labrelay/labrelay/internal/platform/middleware"
	"github.com/labrelay/labrelay/internal/platform/queue"
	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/server"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
	"github.com/labrelay/labrelay/internal/translation"
	"github.com/labrelay/labrelay/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labrelay-server",
		Short: "Lab report relay and routing server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkConnectionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the report relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// checkConnectionCmd verifies a receiver's transport without moving a real
// report: it looks up the receiver, resolves its transport and sends an
// empty payload.
func checkConnectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-connection <receiver-full-name>",
		Short: "Test connectivity to a receiver's configured transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			provider, err := settings.LoadFile(cfg.SettingsFile)
			if err != nil {
				return err
			}
			recv := provider.FindReceiver(args[0])
			if recv == nil {
				return fmt.Errorf("unknown receiver %q", args[0])
			}

			registry := newTransportRegistry(logger)
			tr, err := registry.Lookup(recv.Transport)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			failed, err := tr.Send(ctx, recv.Transport, nil, uuid.Nil, nil)
			if err != nil {
				return fmt.Errorf("connection check failed: %w", err)
			}
			if failed != nil {
				return fmt.Errorf("receiver %s did not accept the probe", args[0])
			}
			fmt.Printf("Connection to %s (%s) OK.\n", args[0], recv.Transport.Type)
			return nil
		},
	}
	return cmd
}

func newTransportRegistry(logger zerolog.Logger) *transport.Registry {
	registry := transport.NewRegistry()
	registry.Register("NULL", transport.NewNullTransport(logger))
	registry.Register("HTTP", transport.NewHTTPTransport(logger))
	registry.Register("MLLP", transport.NewMLLPTransport(logger))
	return registry
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Organization settings
	provider, err := settings.LoadFile(cfg.SettingsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.SettingsFile).Msg("failed to load organization settings")
	}

	// Storage and repositories
	blobs, err := blobstore.NewFileStore(cfg.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.BlobDir).Msg("failed to open blob store")
	}
	ledger := task.NewLedgerPG(pool)
	reports := report.NewRepoPG(pool, time.Duration(cfg.DedupWindowDays)*24*time.Hour)

	// In-process work queue
	q := queue.New(logger, queue.WithWorkers(cfg.WorkerCount))

	// Workflow engine
	eng := engine.New(engine.Config{
		Pool:       pool,
		Ledger:     ledger,
		Reports:    reports,
		Blobs:      blobs,
		Queue:      q,
		Settings:   provider,
		Transports: newTransportRegistry(logger),
		Converter:  translation.NewConverter(cfg.StrictTranslate, logger),
		Schemas:    translation.NewSchemaLoader(cfg.SchemaDir),
		Retry: transport.RetryConfig{
			Base:        cfg.RetryBase,
			Multiplier:  cfg.RetryMultiplier,
			Cap:         cfg.RetryCap,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		BatchRetry: cfg.BatchMaxRetries,
		Log:        logger,
	})
	eng.Register()

	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	q.Start(workCtx)
	defer q.Stop()

	// Batch decider
	decider := batch.NewDecider(pool, ledger, reports, provider, q,
		cfg.BatchPeriod, cfg.BatchMaxRetries, logger)
	go decider.Run(workCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "50M"))

	apiV1 := e.Group("/api/v1")
	handler := server.NewHandler(eng, ledger, reports, provider, logger)
	handler.RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// HL7v2 MLLP TCP listener (optional, started when MLLP_ADDR is set).
	// Inbound messages are submitted for the client named by MLLP_CLIENT.
	if mllpAddr := os.Getenv("MLLP_ADDR"); mllpAddr != "" {
		client := os.Getenv("MLLP_CLIENT")
		sender := provider.FindSender(client)
		if sender == nil {
			logger.Fatal().Str("client", client).Msg("MLLP_CLIENT does not name a configured sender")
		}
		mllpServer := hl7v2.NewMLLPServer(mllpAddr, mllpSubmitHandler(eng, sender, logger), logger)
		if err := mllpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("MLLP listener failed")
		}
		defer mllpServer.Stop()
		logger.Info().Str("addr", mllpServer.Addr()).Str("client", sender.FullName()).Msg("MLLP listener started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// mllpSubmitHandler bridges the MLLP listener into the pipeline: each
// inbound message becomes a one-item submission for the configured sender,
// answered with AA when accepted and AE when rejected.
func mllpSubmitHandler(eng *engine.Engine, sender *settings.Sender, logger zerolog.Logger) hl7v2.MessageHandler {
	return func(msg *hl7v2.Message) *hl7v2.Message {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		content := bytes.TrimRight(msg.Encode(), "\r")
		result, err := eng.Receive(ctx, sender, content, engine.SubmissionOptions{})
		if err != nil {
			logger.Error().Err(err).Str("control_id", msg.ControlID).Msg("MLLP submission failed")
			return hl7v2.GenerateACK(msg, "AE")
		}
		if !result.Accepted {
			logger.Warn().Str("control_id", msg.ControlID).Str("findings", result.Log.Summary()).
				Msg("MLLP submission rejected")
			return hl7v2.GenerateACK(msg, "AR")
		}
		return hl7v2.GenerateACK(msg, "AA")
	}
}

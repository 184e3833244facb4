package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pairwatch/internal/alert"
	"pairwatch/internal/align"
	"pairwatch/internal/analytics"
	"pairwatch/internal/buffer"
	"pairwatch/internal/config"
	"pairwatch/internal/database"
	"pairwatch/internal/exchange"
	"pairwatch/internal/httpapi"
	"pairwatch/internal/logging"
	"pairwatch/internal/pipeline"
	"pairwatch/internal/resample"
)

var rootCmd = &cobra.Command{
	Use:   "pairwatch",
	Short: "Live pairs-trading analytics over two exchange trade streams",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, err := cmd.Flags().GetString("env-file")
		if err != nil {
			return err
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream both legs and serve the analytics API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("pair %s, %s bars, window %d, %d alert rule(s)\n",
			cfg.Pair.Name(), cfg.Bars.Interval, cfg.Analytics.Window, len(cfg.Alerts))
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return config.Config{}, fmt.Errorf("cannot load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("cannot build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// nil keeps the buffer in memory only
	var persister buffer.Persister
	if cfg.Database.Enabled() {
		repo, err := database.NewPostgresRepository(ctx, cfg.Database.ConnString())
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		persister = repo
		logger.Info("persistence enabled", zap.String("host", cfg.Database.Host))
	}

	client, err := exchange.NewClient(cfg.Feed)
	if err != nil {
		return err
	}
	connector := exchange.NewConnector(logger, client, exchange.OptionsFromConfig(cfg.Feed))
	defer connector.Close()

	engine, err := analytics.NewEngine(logger, analytics.OptionsFromConfig(cfg.Pair.Name(), cfg.Analytics))
	if err != nil {
		return err
	}

	dispatcher := alert.NewDispatcher(logger)
	if err := dispatcher.Subscribe(alert.LogConsumer(logger)); err != nil {
		return err
	}

	p := pipeline.New(logger, connector, pipeline.Components{
		Buffer:     buffer.New(logger, persister, buffer.OptionsFromConfig(cfg.Buffer)),
		Resampler:  resample.New(resample.OptionsFromConfig(cfg.Bars)),
		Joiner:     align.NewJoiner(align.Options{FillGaps: cfg.Analytics.FillGaps}),
		Engine:     engine,
		Evaluator:  alert.NewEvaluator(logger, cfg.Pair.Name(), cfg.Alerts),
		Dispatcher: dispatcher,
	}, pipeline.Options{
		Pair:             cfg.Pair,
		UseIncompleteBar: cfg.Bars.UseIncompleteBar,
	})

	srv := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewRouter(logger, p))
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	runErr := p.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

func main() {
	rootCmd.PersistentFlags().String("config", ".", "directory holding config.yaml")
	rootCmd.PersistentFlags().String("env-file", ".env", "optional dotenv file loaded before the config")
	rootCmd.AddCommand(runCmd, checkConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

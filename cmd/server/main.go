package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/events"
	httpapi "github.com/example/campus-rides/internal/http"
	"github.com/example/campus-rides/internal/logging"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/router"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tcpapi"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type serverFlags struct {
	tcpAddr  string
	httpAddr string
	logLevel string
	envFile  string
}

func newRootCommand() *cobra.Command {
	f := &serverFlags{}
	cmd := &cobra.Command{
		Use:          "campus-rides",
		Short:        "Campus ride-sharing server",
		Long:         "Matches passengers with drivers in their area over a line-delimited JSON TCP protocol.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(f.envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			f.apply(&cfg)

			logger := logging.NewLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("server exited", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.tcpAddr, "tcp-addr", "", "client protocol listen address (overrides TCP_ADDR)")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "admin HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	return cmd
}

func (f *serverFlags) apply(cfg *config.ServerConfig) {
	if f.tcpAddr != "" {
		cfg.TCPAddr = f.tcpAddr
	}
	if f.httpAddr != "" {
		cfg.HTTPAddr = f.httpAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

// loadEnvFile loads path into the environment. A missing default file is
// fine; a missing file the user named is not.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	checks := map[string]httpapi.Pinger{}

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		rd := directory.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix, cfg.BcryptCost)
		defer rd.Close()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rd.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		checks["redis"] = rd
		dir = rd
		logger.Info("user directory on redis", "addr", cfg.RedisAddr, "prefix", cfg.RedisKeyPrefix)
	} else {
		dir = directory.NewMemory(cfg.BcryptCost)
		logger.Info("user directory in memory")
	}

	rides := storage.NewRideStore()
	ratings := storage.NewLedger()

	var journal storage.Journal
	if cfg.PGDSN != "" {
		pj, err := storage.NewPostgresJournal(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pj.Close()
		if cfg.RunMigrations {
			applied, err := pj.Migrate(ctx, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		nr, nrt, err := storage.Restore(ctx, pj, rides, ratings)
		if err != nil {
			return fmt.Errorf("restoring journal: %w", err)
		}
		logger.Info("journal restored", "rides", nr, "ratings", nrt)
		checks["postgres"] = pj
		journal = pj
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	registry := dispatch.NewRegistry(dir)
	engine := matcher.New(matcher.Options{
		Rides:        rides,
		Ratings:      ratings,
		Registry:     registry,
		Journal:      journal,
		Events:       publisher,
		Logger:       logger,
		WriteTimeout: cfg.NotifyWriteTimeout,
	})
	rt := router.New(engine, dir, logger)

	tcp := tcpapi.NewServer(tcpapi.Options{
		Addr:         cfg.TCPAddr,
		WriteTimeout: cfg.NotifyWriteTimeout,
		IdleTimeout:  cfg.ConnIdleTimeout,
		MaxLineBytes: cfg.MaxLineBytes,
	}, rt, logger)
	admin := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, rt, checks, cfg.NotifyWriteTimeout, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg      sync.WaitGroup
		once    sync.Once
		runErr  error
		failure = func(err error) {
			once.Do(func() {
				runErr = err
				cancel()
			})
		}
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := tcp.ListenAndServe(ctx); err != nil {
			failure(fmt.Errorf("tcp server: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		logger.Info("admin http listening", "addr", cfg.HTTPAddr)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failure(fmt.Errorf("admin server: %w", err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	if err := admin.Shutdown(sctx); err != nil {
		logger.Error("admin shutdown failed", "error", err)
	}
	wg.Wait()
	// Let in-flight notifications and events finish before the producer
	// and journal are closed by the deferred calls above.
	engine.Wait()
	return runErr
}

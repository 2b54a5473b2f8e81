// Package main is the entry point for the Stratum pool core: it wires
// configuration, the message bus, the job/share/broadcast pipeline, the
// user registry, and the TCP reactor, then supervises their goroutines
// until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bitpool/stratumcore/internal/broadcast"
	"github.com/bitpool/stratumcore/internal/bus"
	"github.com/bitpool/stratumcore/internal/config"
	"github.com/bitpool/stratumcore/internal/ingest"
	"github.com/bitpool/stratumcore/internal/job"
	"github.com/bitpool/stratumcore/internal/protocol"
	"github.com/bitpool/stratumcore/internal/registry"
	"github.com/bitpool/stratumcore/internal/server"
	"github.com/bitpool/stratumcore/internal/session"
	"github.com/bitpool/stratumcore/internal/share"
	"github.com/bitpool/stratumcore/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum pool core", zap.String("version", version), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgStorage.Close()

	shareLogProducer := bus.NewProducer(cfg.Bus.Brokers, cfg.Bus.ShareLogTopic, logger)
	defer shareLogProducer.Close()
	solvedShareProducer := bus.NewProducer(cfg.Bus.Brokers, cfg.Bus.SolvedShareTopic, logger)
	defer solvedShareProducer.Close()

	jobConsumer, err := bus.NewConsumer(cfg.Bus.Brokers, cfg.Bus.StratumJobTopic, logger)
	if err != nil {
		logger.Fatal("failed to set up StratumJob consumer", zap.Error(err))
	}
	defer jobConsumer.Close()

	sessions := session.NewRegistry()
	caster := broadcast.New(sessions, redisStorage, logger)

	repo := job.NewRepository(cfg.Job.NotifyInterval, cfg.Job.MaxJobsLifetime, caster, logger)
	validator := share.New(repo, shareLogProducer, solvedShareProducer, logger)
	ingestor := ingest.New(jobConsumer, repo, cfg.Bus.PollTimeout, logger)

	users := registry.New(cfg.UserAPI.URL, cfg.UserAPI.RefreshPeriod, cfg.UserAPI.RequestTimeout, logger)
	workerWriter := registry.NewWorkerWriter(pgStorage, logger)

	registerCollectors(logger,
		repo.Collectors(), validator.Collectors(), caster.Collectors(),
		users.Collectors(), workerWriter.Collectors(),
	)

	logger.Info("warming up user registry")
	warmUpCtx, warmUpCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := users.WarmUp(warmUpCtx); err != nil {
		logger.Fatal("user registry warm-up failed", zap.Error(err))
	}
	warmUpCancel()

	varDiff := protocol.NewVarDiff(protocol.DifficultyConfig{
		InitialDifficulty: cfg.Job.InitialDifficulty,
		MinDifficulty:     cfg.Job.MinDifficulty,
		MaxDifficulty:     cfg.Job.MaxDifficulty,
		TargetShareTime:   cfg.Job.TargetShareTime,
		RetargetTime:      cfg.Job.RetargetTime,
		VariancePercent:   cfg.Job.VariancePercent,
	})

	newConn := func(conn net.Conn) *server.Connection {
		return server.NewConnection(conn, cfg.Server, logger, repo, validator, users, workerWriter, redisStorage, varDiff,
			cfg.Job.Extranonce2Size, cfg.Job.InitialDifficulty)
	}
	srv := server.New(cfg.Server, logger, sessions, newConn)
	registerCollectors(logger, srv.Collectors())

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ingestor.Run(groupCtx)
	})
	group.Go(func() error {
		return users.Run(groupCtx)
	})
	group.Go(func() error {
		return workerWriter.Run(groupCtx)
	})
	group.Go(func() error {
		if err := srv.Start(groupCtx); err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-groupCtx.Done():
		logger.Warn("a supervised goroutine exited, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		logger.Error("supervised goroutine returned error", zap.Error(err))
	}

	logger.Info("server shutdown complete")
}

func registerCollectors(logger *zap.Logger, groups ...[]prometheus.Collector) {
	for _, g := range groups {
		for _, c := range g {
			if err := prometheus.Register(c); err != nil {
				logger.Warn("failed to register collector", zap.Error(err))
			}
		}
	}
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}

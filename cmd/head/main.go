package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kailas-cloud/flowgate/internal/config"
	dbRedis "github.com/kailas-cloud/flowgate/internal/db/redis"
	logpkg "github.com/kailas-cloud/flowgate/internal/logger"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	"github.com/kailas-cloud/flowgate/internal/pool"
	"github.com/kailas-cloud/flowgate/internal/repository/topology"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
	"github.com/kailas-cloud/flowgate/internal/usecase/head"
	registryuc "github.com/kailas-cloud/flowgate/internal/usecase/registry"
	"github.com/kailas-cloud/flowgate/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	if err := cfg.ValidateHead(); err != nil {
		panic("invalid head config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, "head", cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("deployment", cfg.Head.Deployment))

	logger.Info("Starting flowgate head",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("grpc_port", cfg.GRPC.Port),
		zap.Int("shards", len(cfg.Head.Shards)),
		zap.String("polling", cfg.Head.Polling),
	)

	metrics.RegisterRPCMetrics()
	metrics.RegisterPoolMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(
		rpc.NewDialer(
			rpc.WithCompression(cfg.GRPC.Compression),
			rpc.WithMaxMessageSize(cfg.GRPC.MaxMessageSize()),
		),
		logger.Named("pool"),
		pool.WithRetries(cfg.Pool.Retries),
		pool.WithCooldown(cfg.Pool.Cooldown()),
	)
	for shard, replicas := range cfg.Head.Shards {
		for _, address := range replicas {
			if err := p.AddConnection(cfg.Head.Deployment, address, pool.Shard(shard)); err != nil {
				logger.Fatal("Failed to add replica",
					zap.Int("shard", shard),
					zap.String("address", address),
					zap.Error(err),
				)
			}
		}
	}
	p.StartHealthChecks(ctx, cfg.Pool.HealthInterval())

	if cfg.Registry.Enabled {
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:      cfg.Database.Addrs,
			MasterSet:  cfg.Database.MasterSet,
			Username:   cfg.Database.Username,
			Password:   cfg.Database.Password,
			DB:         cfg.Database.DB,
			ClientName: "flowgate-head",
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer store.Close()
		if err := store.WaitForReady(ctx, cfg.Database.ReadinessWait()); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}

		watcher := registryuc.New(registryuc.Config{
			Interval:    cfg.Registry.PollInterval(),
			Deployments: []string{cfg.Head.Deployment},
			SkipHeads:   true,
		}, topology.New(store, cfg.Database.Namespace), p, logger.Named("registry"))
		go watcher.Run(ctx)
	}

	svc := head.New(head.Config{
		Deployment:         cfg.Head.Deployment,
		Polling:            head.Polling(cfg.Head.Polling),
		BroadcastEndpoints: cfg.Head.BroadcastEndpoints,
	}, p, logger)

	srv := rpc.NewServer(svc, logger,
		rpc.WithName(cfg.Head.Deployment+"/head"),
		rpc.WithServerMaxMessageSize(cfg.GRPC.MaxMessageSize()),
	)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	go func() {
		logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			logger.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout())
	defer cancel()
	srv.Stop(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout())
	defer cancelDrain()
	if err := p.Close(drainCtx); err != nil {
		logger.Error("Error closing pool", zap.Error(err))
	}

	logger.Info("Head stopped gracefully")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/flowgate/internal/config"
	"github.com/kailas-cloud/flowgate/internal/db"
	dbRedis "github.com/kailas-cloud/flowgate/internal/db/redis"
	"github.com/kailas-cloud/flowgate/internal/domain/graph"
	"github.com/kailas-cloud/flowgate/internal/domain/registry"
	logpkg "github.com/kailas-cloud/flowgate/internal/logger"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	"github.com/kailas-cloud/flowgate/internal/pool"
	"github.com/kailas-cloud/flowgate/internal/repository/topology"
	chiTransport "github.com/kailas-cloud/flowgate/internal/transport/chi"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
	healthuc "github.com/kailas-cloud/flowgate/internal/usecase/health"
	registryuc "github.com/kailas-cloud/flowgate/internal/usecase/registry"
	"github.com/kailas-cloud/flowgate/internal/usecase/routing"
	"github.com/kailas-cloud/flowgate/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, "gateway", cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting flowgate gateway",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("grpc_port", cfg.GRPC.Port),
		zap.String("graph_source", cfg.Graph.Source),
	)

	metrics.RegisterRPCMetrics()
	metrics.RegisterPoolMetrics()
	metrics.RegisterRoutingMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis holds the registry and, optionally, the graph description
	var store db.Store
	if cfg.Database.Enabled {
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:      cfg.Database.Addrs,
			MasterSet:  cfg.Database.MasterSet,
			Username:   cfg.Database.Username,
			Password:   cfg.Database.Password,
			DB:         cfg.Database.DB,
			ClientName: "flowgate-gateway",
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer s.Close()
		if err := s.WaitForReady(ctx, cfg.Database.ReadinessWait()); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database")
		store = s
	}
	var repo *topology.Repo
	if store != nil {
		repo = topology.New(store, cfg.Database.Namespace)
	}

	desc, err := loadGraph(ctx, cfg.Graph, repo)
	if err != nil {
		logger.Fatal("Failed to load graph", zap.Error(err))
	}
	g, err := routing.NewGraph(desc)
	if err != nil {
		logger.Fatal("Invalid graph", zap.Error(err))
	}

	p := pool.New(
		rpc.NewDialer(
			rpc.WithCompression(cfg.GRPC.Compression),
			rpc.WithMaxMessageSize(cfg.GRPC.MaxMessageSize()),
		),
		logger.Named("pool"),
		pool.WithRetries(cfg.Pool.Retries),
		pool.WithCooldown(cfg.Pool.Cooldown()),
	)

	static := make([]registry.Registration, 0, len(g.Endpoints()))
	for _, ep := range g.Endpoints() {
		var opts []pool.TargetOption
		if ep.Head {
			opts = append(opts, pool.Head())
		}
		if err := p.AddConnection(ep.Deployment, ep.Address, opts...); err != nil {
			logger.Fatal("Failed to add connection",
				zap.String("deployment", ep.Deployment),
				zap.String("address", ep.Address),
				zap.Error(err),
			)
		}
		static = append(static, registry.Registration{Deployment: ep.Deployment, Address: ep.Address, Head: ep.Head})
	}
	p.StartHealthChecks(ctx, cfg.Pool.HealthInterval())

	engine := routing.NewEngine(g, p, logger.Named("routing"))

	if cfg.Registry.Enabled {
		watcher := registryuc.New(registryuc.Config{
			Interval:    cfg.Registry.PollInterval(),
			Deployments: cfg.Registry.Deployments,
		}, repo, p, logger.Named("registry"),
			registryuc.WithStatic(static),
			registryuc.OnChange(engine.ForgetEndpoints),
		)
		go watcher.Run(ctx)
	}

	grpcSrv := rpc.NewServer(engine, logger,
		rpc.WithName("gateway"),
		rpc.WithServerMaxMessageSize(cfg.GRPC.MaxMessageSize()),
	)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	go func() {
		logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	var httpSrv *http.Server
	if cfg.HTTP.Enabled {
		// Pass nil interface (not typed nil pointer) when no store is configured.
		var pinger healthuc.DBPinger
		if store != nil {
			pinger = store
		}
		metrics.RegisterHTTPMetrics()
		server := chiTransport.NewServer(engine, healthuc.New(pinger, p), logger)
		httpSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      chiTransport.NewRouter(server, logger, cfg.HTTP.APIKeys),
			ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
			WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
		}
		go func() {
			logger.Info("Starting HTTP server", zap.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("HTTP server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout())
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during HTTP shutdown", zap.Error(err))
		}
	}
	grpcSrv.Stop(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout())
	defer cancelDrain()
	if err := p.Close(drainCtx); err != nil {
		logger.Error("Error closing pool", zap.Error(err))
	}

	logger.Info("Gateway stopped gracefully")
}

// loadGraph reads the description from the configured source.
func loadGraph(ctx context.Context, cfg config.GraphConfig, repo *topology.Repo) (*graph.Description, error) {
	switch cfg.Source {
	case "redis":
		if repo == nil {
			return nil, errors.New("graph source redis needs a database")
		}
		return repo.LoadGraph(ctx)
	default:
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("read graph %s: %w", cfg.File, err)
		}
		return graph.Parse(data)
	}
}

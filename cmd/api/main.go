package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/audit"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/config"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/grpcapi"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/httpapi"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	shutdownTimeout   = 10 * time.Second
	readinessInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	if err := obs.Configure(cfg.LogLevel); err != nil {
		obs.Logger().Fatal("configure logger", zap.Error(err))
	}
	obs.Init()
	obs.SetBuildInfo(version, commit)
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := obs.Logger()

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBTimeout)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Warn("database not reachable at startup", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	policy := auth.Policy{
		SystemAdminPermission:      cfg.SystemAdminPermission,
		CrossDepartmentPermissions: cfg.CrossDepartmentPermissions,
	}
	hidden := auth.NewHiddenFilter(cfg.HiddenPermissions...)

	resolver := auth.NewResolver(store, store, hidden, auth.WithResolveTimeout(cfg.DBTimeout))

	cacheOpts := []auth.CacheOption{
		auth.WithCacheTTL(cfg.PermissionCacheTTL),
		auth.WithSweepInterval(cfg.CacheSweepInterval),
		auth.WithRoleMembership(store),
	}
	var bus *auth.RedisInvalidationBus
	if rdb != nil {
		bus, err = auth.NewRedisInvalidationBus(rdb, "")
		if err != nil {
			return err
		}
		cacheOpts = append(cacheOpts, auth.WithInvalidationBus(bus))
	}
	cache := auth.NewPermissionCache(resolver, cacheOpts...)
	cache.Start()
	defer cache.Close()

	if bus != nil {
		if _, err := bus.Run(ctx, cache); err != nil {
			// Without the subscription peers converge on TTL expiry only.
			log.Warn("invalidation bus unavailable", zap.Error(err))
		}
	}

	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret,
		auth.WithTokenIssuer(cfg.AuthIssuer),
		auth.WithTokenTTL(cfg.AccessTTL),
		auth.WithTokenHiddenFilter(hidden),
	)
	if err != nil {
		return err
	}

	notifier := audit.NewNotifier(audit.WithSink(store.AuditSink()))
	defer notifier.Close()

	svc, err := auth.NewService(store, cache, tokens,
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithPermissionGrace(cfg.PermissionGrace),
		auth.WithDBTimeout(cfg.DBTimeout),
		auth.WithPolicy(policy),
		auth.WithAuditNotifier(notifier),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(store, cache, hidden, auth.WithRBACAudit(notifier))
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store.DB(), Redis: rdb}
	api := httpapi.New(svc, rbac,
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
		httpapi.WithCookieSecure(cfg.CookieSecure),
		httpapi.WithProduction(cfg.IsProduction()),
		httpapi.WithLoginRateLimit(cfg.LoginRatePerSecond, cfg.LoginBurst),
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := grpcapi.NewServer(svc, probe)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.GRPC().Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		grpcSrv.WatchReadiness(gctx, readinessInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcSrv.Shutdown()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

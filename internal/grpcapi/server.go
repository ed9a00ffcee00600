package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "iomt.auth"

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Server wraps a grpc.Server with the auth interceptors and health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  ReadinessChecker
}

type serverConfig struct {
	public   map[string]bool
	required map[string]string
	extra    []grpc.ServerOption
}

// ServerOption configures NewServer.
type ServerOption func(*serverConfig)

// WithPublicMethods replaces the set of methods that skip authentication.
func WithPublicMethods(methods ...string) ServerOption {
	return func(c *serverConfig) {
		c.public = make(map[string]bool, len(methods))
		for _, m := range methods {
			c.public[m] = true
		}
	}
}

// WithMethodPermissions gates full method names on permissions.
func WithMethodPermissions(required map[string]string) ServerOption {
	return func(c *serverConfig) { c.required = required }
}

func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.extra = append(c.extra, opts...) }
}

// DefaultPublicMethods are reachable without a token.
func DefaultPublicMethods() []string {
	return []string{
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
		"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
		"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
	}
}

// NewServer builds the gRPC server. Streaming health and reflection calls do
// not pass through the unary auth chain.
func NewServer(authn Authenticator, ready ReadinessChecker, opts ...ServerOption) *Server {
	cfg := serverConfig{}
	WithPublicMethods(DefaultPublicMethods()...)(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			LoggingUnaryInterceptor(),
			AuthUnaryInterceptor(authn, cfg.public),
			RequirePermissionUnary(cfg.required),
		),
	}, cfg.extra...)

	s := &Server{
		grpc:   grpc.NewServer(serverOpts...),
		health: health.NewServer(),
		ready:  ready,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.setServing(true)
	return s
}

// GRPC exposes the underlying server for service registration.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// CheckReadiness updates the health status from the readiness probe.
func (s *Server) CheckReadiness(ctx context.Context) bool {
	ok := true
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			obs.Logger().Warn("grpc: readiness check failed", zap.Error(err))
			ok = false
		}
	}
	s.setServing(ok)
	return ok
}

// WatchReadiness re-evaluates readiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			s.CheckReadiness(checkCtx)
			cancel()
		}
	}
}

// Shutdown marks the server not serving and drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

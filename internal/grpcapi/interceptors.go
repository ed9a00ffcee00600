// Package grpcapi exposes the authenticate contract to gRPC callers.
package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

const bearerPrefix = "bearer "

// Authenticator verifies access tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string, transport auth.Transport) (*auth.Claims, error)
}

// AuthUnaryInterceptor authenticates the bearer token in the authorization
// metadata and stores the claims in the context. Methods in public skip
// authentication.
func AuthUnaryInterceptor(authn Authenticator, public map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if public[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		claims, err := authn.Authenticate(ctx, token, auth.TransportBearer)
		if err != nil {
			return nil, statusFromError(err)
		}
		return handler(auth.ContextWithClaims(ctx, claims), req)
	}
}

// RequirePermissionUnary gates methods on an exact permission. Methods not in
// the map pass through.
func RequirePermissionUnary(required map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		perm, ok := required[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}
		claims, _ := auth.ClaimsFromContext(ctx)
		if d := auth.Authorize(claims, perm, auth.Scope{}); !d.Allowed {
			return nil, statusFromError(d.Err())
		}
		return handler(ctx, req)
	}
}

// LoggingUnaryInterceptor logs one entry per call.
func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		}
		if claims, ok := auth.ClaimsFromContext(ctx); ok {
			fields = append(fields, zap.String("user_id", claims.UserID))
		}
		obs.Logger().Info("grpc_call", fields...)
		return resp, err
	}
}

func statusFromError(err error) error {
	var denied *auth.DeniedError
	switch {
	case errors.As(err, &denied):
		if denied.Decision.Reason == auth.ReasonUnauthenticated {
			return status.Error(codes.Unauthenticated, "authentication required")
		}
		return status.Error(codes.PermissionDenied, denied.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "access token expired")
	case errors.Is(err, auth.ErrPermissionsChanged):
		return status.Error(codes.Unauthenticated, "permissions changed, sign in again")
	case errors.Is(err, auth.ErrSessionInvalid):
		return status.Error(codes.Unauthenticated, "session is no longer valid")
	case errors.Is(err, auth.ErrResolutionFailed):
		obs.Logger().Error("grpc: permission resolution failed", zap.Error(err))
		return status.Error(codes.Unauthenticated, "could not verify permissions")
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrTokenInvalid):
		return status.Error(codes.Unauthenticated, "missing or invalid authorization")
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, "access denied")
	default:
		obs.Logger().Error("grpc: authentication failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// extractBearer returns the bearer token from ctx metadata, or "" if missing
// or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

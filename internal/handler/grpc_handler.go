package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// requestIDMetadata is the gRPC metadata key mirroring the HTTP header.
const requestIDMetadata = "x-request-id"

// GRPCServer is the operational gRPC endpoint: health checking and reflection.
type GRPCServer struct {
	*grpc.Server
	health *health.Server
}

// NewGRPCServer creates the gRPC server and reports serviceName as SERVING.
func NewGRPCServer(serviceName string, log *logger.Logger) *GRPCServer {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoverUnary(log),
		logUnary(log),
	))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCServer{Server: srv, health: hs}
}

// Health exposes the health service for status changes and tests.
func (s *GRPCServer) Health() *health.Server { return s.health }

// Drain marks every service NOT_SERVING and stops accepting new RPCs.
func (s *GRPCServer) Drain() {
	s.health.Shutdown()
	s.GracefulStop()
}

// incomingRequestID returns the caller's request id, generating one if absent.
func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDMetadata); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}

func logUnary(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		id := incomingRequestID(ctx)
		resp, err := handler(ctx, req)

		code := status.Code(err)
		ev := log.Debug()
		if code != codes.OK {
			ev = log.Warn().Err(err)
		}
		ev.Str("request_id", id).
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

func recoverUnary(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("method", info.FullMethod).
					Str("request_id", incomingRequestID(ctx)).
					Msg("Recovered from gRPC panic")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

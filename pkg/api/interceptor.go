package api

import (
	"context"
	"strings"

	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// The unix socket listener uses it so local status queries cannot change the pool.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"%s is not allowed on the unix socket - use the admin TCP address (--addr)",
				methodName(info.FullMethod),
			)
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts requests and observes their duration per method
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// methodName extracts the method from a full path, e.g.
// "/cloudscheduler.Admin/ListVMs" -> "ListVMs"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	// Health checks are always allowed
	if strings.HasPrefix(method, "/grpc.health.v1.Health/") {
		return true
	}
	if !strings.Contains(method, "/") {
		return false
	}
	name := methodName(method)

	for _, prefix := range []string{"List", "Get"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	// Default: block
	return false
}

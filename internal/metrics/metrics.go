package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	wsConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfchat_ws_connects_total",
			Help: "Total number of websocket dial attempts by result.",
		},
		[]string{"result"},
	)
	wsFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfchat_ws_frames_total",
			Help: "Total number of websocket frames by direction and type.",
		},
		[]string{"direction", "type"},
	)
	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfchat_outbox_depth",
			Help: "Number of messages waiting for the connection.",
		},
	)
	backendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfchat_backend_requests_total",
			Help: "Total number of REST requests to the chat service.",
		},
		[]string{"action", "status"},
	)
	backendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dfchat_backend_request_duration_seconds",
			Help:    "REST request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfchat_grpc_server_handled_total",
			Help: "Total number of control API requests handled.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

func init() {
	prometheus.MustRegister(
		wsConnectsTotal,
		wsFramesTotal,
		outboxDepth,
		backendRequestsTotal,
		backendRequestDuration,
		grpcServerHandledTotal,
	)
}

func IncWSConnect(result string) {
	wsConnectsTotal.WithLabelValues(result).Inc()
}

func IncFrameIn(frameType string) {
	wsFramesTotal.WithLabelValues("in", frameType).Inc()
}

func IncFrameOut(frameType string) {
	wsFramesTotal.WithLabelValues("out", frameType).Inc()
}

func SetOutboxDepth(n int) {
	outboxDepth.Set(float64(n))
}

func ObserveBackend(action, status string, took time.Duration) {
	backendRequestsTotal.WithLabelValues(action, status).Inc()
	backendRequestDuration.WithLabelValues(action).Observe(took.Seconds())
}

// GRPCUnaryInterceptor counts handled control API calls by code.
func GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// GRPCStreamInterceptor counts finished control API streams by code.
func GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

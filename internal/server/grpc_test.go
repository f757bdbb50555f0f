package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestHealthMonitor_Update(t *testing.T) {
	hs := health.NewServer()
	healthy := true
	m := NewHealthMonitor(hs, Checks{
		"postgres": CheckerFunc(func(context.Context) error { return nil }),
		"qdrant": CheckerFunc(func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		}),
	}, time.Second, nil)

	m.Update(context.Background())
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	healthy = false
	m.Update(context.Background())
	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCServer_ServesHealth(t *testing.T) {
	srv, err := NewGRPCServer(GRPCServerConfig{})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	NewHealthMonitor(srv.Health(), Checks{}, time.Second, nil).Update(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	intercept := recoveryUnaryInterceptor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("boom")
	})

	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestRPCLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, rpcLevel("/grpc.health.v1.Health/Check", codes.OK))
	assert.Equal(t, slog.LevelInfo, rpcLevel("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", codes.OK))
	assert.Equal(t, slog.LevelWarn, rpcLevel("/grpc.health.v1.Health/Check", codes.NotFound))
	assert.Equal(t, codes.Unknown, rpcCode(errors.New("plain")))
	assert.Equal(t, codes.OK, rpcCode(nil))
}

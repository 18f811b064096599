// ABOUTME: Tests for readiness and the gRPC health service
// ABOUTME: Uses the mock store to simulate an unreachable backend

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/store"
)

func newMockGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := assemble(testConfig(), st, eventbus.NewMemoryBus(logger), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, st
}

func TestReady_StoreDown(t *testing.T) {
	gw, st := newMockGateway(t)
	st.Err = errors.New("connection refused")

	rec := do(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckHealth_FollowsStore(t *testing.T) {
	gw, st := newMockGateway(t)
	ctx := context.Background()

	gw.checkHealth(ctx)
	resp, err := gw.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	st.Err = errors.New("connection refused")
	gw.checkHealth(ctx)
	resp, err = gw.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestHealthGRPCServer(t *testing.T) {
	gw, _ := newMockGateway(t)
	gw.checkHealth(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go gw.grpcServer.Serve(ln)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

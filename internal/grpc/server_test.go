package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealth(t *testing.T) {
	dbErr := errors.New("connection refused")
	var dbDown bool
	s := NewServer("0", map[string]Check{
		"database": func(context.Context) error {
			if dbDown {
				return dbErr
			}
			return nil
		},
		"directory": func(context.Context) error { return nil },
	}, nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))

	s.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("database"))

	dbDown = true
	s.Refresh(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status("database"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status("directory"))
}

package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestServeReportsCheckStatus(t *testing.T) {
	storageDown := errors.New("bucket missing")
	srv := New(map[string]Check{
		"database": func(context.Context) error { return nil },
		"storage":  func(context.Context) error { return storageDown },
	}, time.Hour, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeListener(ctx, lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	check := func(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &grpc_health_v1.HealthCheckRequest{Service: service}, grpc.WaitForReady(true))
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}
	if got := check("database"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("database = %v", got)
	}
	if got := check("storage"); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("storage = %v", got)
	}
	if got := check(""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall = %v", got)
	}
}

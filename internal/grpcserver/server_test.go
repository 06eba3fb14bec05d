package grpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"montage/internal/align"
	"montage/internal/config"
	"montage/internal/feature/featuretest"
	"montage/internal/pipeline"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cfg := config.Default()
	pipe := pipeline.New(ctx, cfg.Processing, log, nil, &cfg.Alignment, align.New(featuretest.Extractor{}, log))

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	New(pipe, log).Register(gs)
	go gs.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		cancel()
		pipe.Stop()
	})
	return conn
}

func TestHealthReportsServing(t *testing.T) {
	conn := dial(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}
}

func TestSubmitAndWait(t *testing.T) {
	c := NewClient(dial(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.Submit(ctx, pipeline.Job{
		Type:      pipeline.JobMontage,
		InputPath: filepath.Join(t.TempDir(), "missing.json"),
		Options:   map[string]any{"fixed": []string{"a"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated id")
	}

	st, err := c.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Job.ID != id || st.State != "failed" || st.Error == "" {
		t.Fatalf("unexpected final status %+v", st)
	}

	again, err := c.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if again.State != "failed" {
		t.Fatalf("expected failed, got %q", again.State)
	}
}

func TestSubmitErrors(t *testing.T) {
	c := NewClient(dial(t))
	ctx := context.Background()

	_, err := c.Submit(ctx, pipeline.Job{Type: "panorama", InputPath: "p.json"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	_, err = c.Status(ctx, "nope")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

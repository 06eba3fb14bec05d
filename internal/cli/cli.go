package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"montage/internal/config"
	"montage/internal/grpcserver"
	"montage/internal/pipeline"
	"montage/internal/server"
	"montage/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Version is reported by the version command.
var Version = "0.3.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addrs config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP and gRPC surfaces side by side. The first one to
// stop takes the other down with it.
func defaultServe(ctx context.Context, addrs config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 0
	if addrs.HTTPAddr != "" {
		running++
		go func() { errCh <- server.Serve(ctx, addrs.HTTPAddr, store, real, log) }()
	}
	if addrs.GRPCAddr != "" {
		running++
		go func() { errCh <- grpcserver.New(real, log).Serve(ctx, addrs.GRPCAddr) }()
	}
	if running == 0 {
		return fmt.Errorf("no server address configured")
	}

	err := <-errCh
	cancel()
	for i := 1; i < running; i++ {
		if e := <-errCh; err == nil {
			err = e
		}
	}
	return err
}

// Root carries the dependencies shared by every command.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot builds a Root around an existing pipeline.
func NewRoot(pipe pipelineClient, cfg *config.Config, log *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      log,
		store:    store,
		serveFn:  defaultServe,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}

// printReport writes the summary of a finished run.
func printReport(w io.Writer, res pipeline.Result) {
	m := res.Meta
	state := "unknown"
	if s, ok := m["state"].(string); ok {
		state = s
	}
	fmt.Fprintf(w, "%s %s: %s\n", res.Job.Type, res.Job.ID, state)
	if m == nil {
		return
	}
	fmt.Fprintf(w, "  tiles:      %s (%s hidden, %s removed)\n",
		humanize.Comma(metaInt(m, "tiles")), humanize.Comma(metaInt(m, "hidden")), humanize.Comma(metaInt(m, "removed")))
	fmt.Fprintf(w, "  edges:      %s (%s rejected)\n",
		humanize.Comma(metaInt(m, "edges")), humanize.Comma(metaInt(m, "rejected")))
	if layers := metaInt(m, "layers"); layers > 0 {
		fmt.Fprintf(w, "  layers:     %s\n", humanize.Comma(layers))
	}
	fmt.Fprintf(w, "  iterations: %s\n", humanize.Comma(metaInt(m, "iterations")))
	fmt.Fprintf(w, "  error:      mean %s px, max %s px\n",
		humanize.FormatFloat("#,###.###", metaFloat(m, "mean_error")),
		humanize.FormatFloat("#,###.###", metaFloat(m, "max_error")))
	fmt.Fprintf(w, "  took:       %s\n", (time.Duration(metaInt(m, "duration_ms")) * time.Millisecond).String())
}

func metaInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"montage/internal/align"
	"montage/internal/config"
	"montage/internal/feature/featuretest"
	"montage/internal/geom"
	"montage/internal/project"
	"montage/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeWorldProject writes two overlapping crops of a synthetic world and a
// project that places them roughly.
func writeWorldProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	world := featuretest.NewWorld(200, 200, 4)
	crops := map[string][2]int{"a.png": {0, 0}, "b.png": {56, 3}}
	for name, at := range crops {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := png.Encode(f, world.Crop(at[0], at[1], 100, 100)); err != nil {
			t.Fatalf("encode: %v", err)
		}
		f.Close()
	}
	prj, err := project.ImportDirectory(dir, filepath.Join(dir, "project.json"), project.ImportOptions{Overlap: 0.5})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	prj.Layers[0].AddOverlay(project.NewOverlay("roi", []geom.Point{{X: 60, Y: 10}}))
	if err := prj.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	return prj.Path
}

func translationConfig() *config.AlignmentConfig {
	cfg := config.Default().Alignment
	cfg.Intra.ExpectedModel = "translation"
	cfg.Intra.DesiredModel = "translation"
	return &cfg
}

func TestRouterMontageEndToEnd(t *testing.T) {
	path := writeWorldProject(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "montage.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	engine := align.New(featuretest.Extractor{}, quietLogger())
	r := newRouter(quietLogger(), store, translationConfig(), engine)
	out := filepath.Join(t.TempDir(), "aligned.json")

	res := r.Process(context.Background(), Job{ID: "job-1", Type: JobMontage, InputPath: path, Output: out})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["project"] != out || res.Meta["edges"] != 1 {
		t.Fatalf("unexpected meta: %+v", res.Meta)
	}

	prj, err := project.Load(out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _, _ := prj.Patch("b")
	if d := b.Affine().Apply(geom.Point{}).Distance(geom.Pt(56, 3)); d > 1 {
		t.Fatalf("patch b at %+v", b.Affine().Apply(geom.Point{}))
	}
	// The overlay point lay in b's old box; it moves with b.
	if pt := prj.Layers[0].Overlays()[0].Bounds(); geom.Pt(pt.X, pt.Y).Distance(geom.Pt(66, 13)) > 1 {
		t.Fatalf("overlay not carried: %+v", pt)
	}

	runID, err := store.RunForJob("job-1")
	if err != nil {
		t.Fatalf("run for job: %v", err)
	}
	recs, err := store.Transforms(runID)
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected two stored transforms, got %d (%v)", len(recs), err)
	}
}

func TestRouterRejectsUnknownJob(t *testing.T) {
	r := newRouter(quietLogger(), nil, nil, &stubAligner{})
	res := r.Process(context.Background(), Job{ID: "x", Type: "panorama"})
	if res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRouterPassesOptionsAndFixedPatches(t *testing.T) {
	path := writeWorldProject(t)
	stub := &stubAligner{}
	r := newRouter(quietLogger(), nil, translationConfig(), stub)

	res := r.Process(context.Background(), Job{
		ID:        "job-2",
		Type:      JobMosaic,
		InputPath: path,
		Options: map[string]any{
			"fixed":              []any{"a"},
			"deform":             true,
			"largest_graph_only": true,
			"model":              "affine",
			"cross_max_epsilon":  80.0,
			"fresh_features":     true,
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if stub.calls["mosaic"] != 1 {
		t.Fatalf("expected one mosaic call, got %+v", stub.calls)
	}
	if len(stub.fixed) != 1 || stub.fixed[0].ID() != "a" {
		t.Fatalf("expected patch a fixed, got %v", stub.fixed)
	}
	if !stub.opt.Deform || !stub.opt.LargestGraphOnly || !stub.opt.TilesAreInPlace {
		t.Fatalf("options not merged: %+v", stub.opt)
	}
	if stub.params.DesiredModel.String() != "affine" || stub.cross.MaxEpsilon != 80 {
		t.Fatalf("overrides not applied: %+v / %+v", stub.params, stub.cross)
	}
	if stub.cleared != 1 {
		t.Fatalf("expected the feature cache to be cleared once, got %d", stub.cleared)
	}
}

func TestRouterDoesNotSaveFailedRuns(t *testing.T) {
	path := writeWorldProject(t)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	stub := &stubAligner{err: align.ErrAborted}
	r := newRouter(quietLogger(), nil, translationConfig(), stub)

	res := r.Process(context.Background(), Job{ID: "job-3", Type: JobMontage, InputPath: path})
	if !errors.Is(res.Error, align.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", res.Error)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("project rewritten after a failed run")
	}
}

func TestRouterSnapAndStackLookups(t *testing.T) {
	path := writeWorldProject(t)
	stub := &stubAligner{}
	r := newRouter(quietLogger(), nil, translationConfig(), stub)

	if res := r.Process(context.Background(), Job{ID: "s", Type: JobSnap, InputPath: path, Options: map[string]any{"patch": "nope"}}); res.Error == nil {
		t.Fatalf("expected unknown patch error")
	}
	if res := r.Process(context.Background(), Job{ID: "s", Type: JobSnap, InputPath: path, Options: map[string]any{"patch": "b"}}); res.Error != nil {
		t.Fatalf("snap: %v", res.Error)
	}
	res := r.Process(context.Background(), Job{ID: "r", Type: JobRegisterStack, InputPath: path, Options: map[string]any{"stack": "missing"}})
	if !errors.Is(res.Error, align.ErrTooFewTiles) {
		t.Fatalf("expected ErrTooFewTiles for empty stack, got %v", res.Error)
	}
	if stub.calls["snap"] != 1 || stub.calls["stack"] != 0 {
		t.Fatalf("unexpected calls: %+v", stub.calls)
	}
}

func TestParamsFromConfigRejectsUnknownModel(t *testing.T) {
	c := config.Default().Alignment.Intra
	c.DesiredModel = "projective"
	if _, err := ParamsFromConfig(c); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	p := newPipeline(context.Background(), config.Processing{ParallelJobs: 2}, quietLogger(), nil, &blockingProcessor{
		started: make(chan string, 1),
		release: make(chan struct{}),
	})
	p.Stop()

	if err := p.Submit(Job{ID: "late", Type: JobMontage}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, ok := p.Status("late"); ok {
		t.Fatalf("rejected job must not be tracked")
	}
	// A second Stop is a no-op.
	p.Stop()
}

func TestSubmitRacesStop(t *testing.T) {
	proc := &blockingProcessor{started: make(chan string, 64), release: make(chan struct{})}
	close(proc.release)
	p := newPipeline(context.Background(), config.Processing{ParallelJobs: 2, QueueSize: 64}, quietLogger(), nil, proc)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				err := p.Submit(Job{ID: fmt.Sprintf("j%d-%d", i, j), Type: JobMontage})
				if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrQueueFull) {
					t.Errorf("unexpected submit error: %v", err)
				}
			}
		}(i)
	}
	p.Stop()
	wg.Wait()
}

func TestPipelineRunsJobsAndBroadcasts(t *testing.T) {
	proc := &blockingProcessor{started: make(chan string, 4), release: make(chan struct{})}
	p := newPipeline(context.Background(), config.Processing{ParallelJobs: 1, QueueSize: 1}, quietLogger(), nil, proc)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Job{ID: "first", Type: JobMontage}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-proc.started
	if st, _ := p.Status("first"); st.State != "running" {
		t.Fatalf("expected running, got %q", st.State)
	}
	if err := p.Submit(Job{ID: "second", Type: JobMontage}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Submit(Job{ID: "third", Type: JobMontage}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, ok := p.Status("third"); ok {
		t.Fatalf("rejected job must not be tracked")
	}

	close(proc.release)
	for _, want := range []string{"first", "second"} {
		select {
		case res := <-results:
			if res.Job.ID != want {
				t.Fatalf("expected %s, got %s", want, res.Job.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	if st, _ := p.Status("second"); st.State != "completed" || st.Finished == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if n := len(p.Statuses()); n != 2 {
		t.Fatalf("expected 2 statuses, got %d", n)
	}
}

// Stubs
type stubAligner struct {
	err    error
	calls  map[string]int
	fixed  []align.Patch
	params align.Params
	cross  align.Params
	opt    align.Options

	cleared int
}

func (s *stubAligner) record(op string, p align.Params, opt align.Options) (*align.Report, error) {
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[op]++
	s.params, s.opt = p, opt
	return &align.Report{RunID: op + "-run", State: align.StateComplete}, s.err
}

func (s *stubAligner) AlignPatches(ctx context.Context, patches, fixed []align.Patch, p align.Params, opt align.Options) (*align.Report, error) {
	s.fixed = fixed
	return s.record("patches", p, opt)
}

func (s *stubAligner) MontageLayers(ctx context.Context, layers []align.Layer, p align.Params, opt align.Options) (*align.Report, error) {
	return s.record("layers", p, opt)
}

func (s *stubAligner) AlignMultiLayerMosaic(ctx context.Context, layers []align.Layer, fixed []align.Patch, intra, cross align.Params, opt align.Options) (*align.Report, error) {
	s.fixed, s.cross = fixed, cross
	return s.record("mosaic", intra, opt)
}

func (s *stubAligner) Snap(ctx context.Context, patch align.Patch, layer align.Layer, p align.Params) (*align.Report, error) {
	return s.record("snap", p, align.Options{})
}

func (s *stubAligner) RegisterStackSlices(ctx context.Context, slices []align.Patch, reference align.Patch, p align.Params, opt align.Options) (*align.Report, error) {
	return s.record("stack", p, opt)
}

func (s *stubAligner) CarryOverlays(ctx context.Context, layers []align.OverlayLayer, fn func(context.Context) error) error {
	return fn(ctx)
}

func (s *stubAligner) ClearCache() { s.cleared++ }

type blockingProcessor struct {
	started chan string
	release chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, job Job) Result {
	b.started <- job.ID
	<-b.release
	return Result{Job: job, Meta: map[string]any{"ok": true}}
}

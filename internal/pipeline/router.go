package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"montage/internal/align"
	"montage/internal/config"
	"montage/internal/feature"
	"montage/internal/model"
	"montage/internal/project"
	"montage/internal/storage"
)

// Aligner is the engine surface the router drives. *align.Engine implements it.
type Aligner interface {
	AlignPatches(ctx context.Context, patches, fixed []align.Patch, p align.Params, opt align.Options) (*align.Report, error)
	MontageLayers(ctx context.Context, layers []align.Layer, p align.Params, opt align.Options) (*align.Report, error)
	AlignMultiLayerMosaic(ctx context.Context, layers []align.Layer, fixed []align.Patch, intra, cross align.Params, opt align.Options) (*align.Report, error)
	Snap(ctx context.Context, patch align.Patch, layer align.Layer, p align.Params) (*align.Report, error)
	RegisterStackSlices(ctx context.Context, slices []align.Patch, reference align.Patch, p align.Params, opt align.Options) (*align.Report, error)
	CarryOverlays(ctx context.Context, layers []align.OverlayLayer, fn func(context.Context) error) error
	ClearCache()
}

type projectStore interface {
	Load(path string) (*project.Project, error)
	Save(p *project.Project) error
}

type fileProjects struct{}

func (fileProjects) Load(path string) (*project.Project, error) { return project.Load(path) }
func (fileProjects) Save(p *project.Project) error             { return p.Save() }

// router implements Processor and routes jobs to engine operations.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	engine   Aligner
	cfg      *config.AlignmentConfig
	projects projectStore
}

func newRouter(logger *slog.Logger, store *storage.Store, alignCfg *config.AlignmentConfig, engine Aligner) *router {
	if alignCfg == nil {
		alignCfg = &config.Default().Alignment
	}
	return &router{
		log:      logger,
		store:    store,
		engine:   engine,
		cfg:      alignCfg,
		projects: fileProjects{},
	}
}

// operation runs one engine call against the loaded project.
type operation func(ctx context.Context, prj *project.Project) (*align.Report, error)

func (r *router) Process(ctx context.Context, job Job) Result {
	intra, err := ParamsFromConfig(r.cfg.Intra)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	intra = applyParamOverrides(intra, job.Options)
	opt := optionsFromConfig(r.cfg.Options, job.Options)

	fresh := false
	setBool(&fresh, job.Options, "fresh_features")
	if fresh {
		r.engine.ClearCache()
	}

	var op operation
	switch job.Type {
	case JobMontage:
		op = r.montage(job, intra, opt)
	case JobMontageLayers:
		op = func(ctx context.Context, prj *project.Project) (*align.Report, error) {
			return r.engine.MontageLayers(ctx, prj.AlignLayers(), intra, opt)
		}
	case JobMosaic:
		cross, err := ParamsFromConfig(r.cfg.CrossLayer)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		op = r.mosaic(job, intra, cross, opt)
	case JobSnap:
		op = r.snap(job, intra)
	case JobRegisterStack:
		op = r.registerStack(job, intra, opt)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
	return r.run(ctx, job, op)
}

// run loads the project, carries overlays along the operation, then saves
// the project and records the resulting transforms.
func (r *router) run(ctx context.Context, job Job, op operation) Result {
	prj, err := r.projects.Load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var rep *align.Report
	err = r.engine.CarryOverlays(ctx, prj.OverlayLayers(), func(ctx context.Context) error {
		var err error
		rep, err = op(ctx, prj)
		return err
	})
	meta := map[string]any{}
	if rep != nil {
		meta = rep.Meta()
	}
	if err != nil {
		r.recordRun(job, rep, nil)
		return Result{Job: job, Error: err, Meta: meta}
	}

	if job.Output != "" {
		prj.Path = job.Output
	}
	if err := r.projects.Save(prj); err != nil {
		return Result{Job: job, Error: fmt.Errorf("failed to save project: %w", err), Meta: meta}
	}
	meta["project"] = prj.Path
	r.recordRun(job, rep, prj.Placements())
	return Result{Job: job, Meta: meta}
}

func (r *router) recordRun(job Job, rep *align.Report, placements []project.Placement) {
	if r.store == nil || rep == nil {
		return
	}
	if err := r.store.RecordRun(storage.RunRecord{
		RunID:      rep.RunID,
		JobID:      job.ID,
		Operation:  string(job.Type),
		State:      rep.State.String(),
		Tiles:      rep.Tiles,
		Edges:      rep.Edges,
		Iterations: rep.Iterations,
		MeanError:  rep.MeanError,
		MaxError:   rep.MaxError,
		Report:     rep.Meta(),
	}); err != nil {
		r.log.Warn("failed to record run", "run_id", rep.RunID, "error", err)
		return
	}
	if placements == nil {
		return
	}
	recs := make([]storage.TransformRecord, len(placements))
	for i, pl := range placements {
		recs[i] = storage.TransformRecord{
			LayerID:    pl.LayerID,
			PatchID:    pl.PatchID,
			Affine:     pl.Affine,
			Visible:    pl.Visible,
			Removed:    pl.Removed,
			Transforms: pl.Transforms,
		}
	}
	if err := r.store.RecordTransforms(rep.RunID, recs); err != nil {
		r.log.Warn("failed to record transforms", "run_id", rep.RunID, "error", err)
	}
}

func (r *router) montage(job Job, p align.Params, opt align.Options) operation {
	return func(ctx context.Context, prj *project.Project) (*align.Report, error) {
		layer, err := pickLayer(prj, getStringOption(job.Options, "layer"))
		if err != nil {
			return nil, err
		}
		var patches, fixed []align.Patch
		for _, patch := range layer.Patches() {
			if !patch.Visible() {
				continue
			}
			patches = append(patches, patch)
			if patch.Locked() {
				fixed = append(fixed, patch)
			}
		}
		extra, err := lookupPatches(prj, getStringSlice(job.Options, "fixed"))
		if err != nil {
			return nil, err
		}
		return r.engine.AlignPatches(ctx, patches, append(fixed, extra...), p, opt)
	}
}

func (r *router) mosaic(job Job, intra, cross align.Params, opt align.Options) operation {
	cross = applyParamOverrides(cross, crossOverrides(job.Options))
	return func(ctx context.Context, prj *project.Project) (*align.Report, error) {
		var fixed []align.Patch
		for _, l := range prj.Layers {
			for _, patch := range l.Patches() {
				if patch.Locked() && patch.Visible() {
					fixed = append(fixed, patch)
				}
			}
		}
		extra, err := lookupPatches(prj, getStringSlice(job.Options, "fixed"))
		if err != nil {
			return nil, err
		}
		return r.engine.AlignMultiLayerMosaic(ctx, prj.AlignLayers(), append(fixed, extra...), intra, cross, opt)
	}
}

func (r *router) snap(job Job, p align.Params) operation {
	return func(ctx context.Context, prj *project.Project) (*align.Report, error) {
		id := getStringOption(job.Options, "patch")
		patch, layer, ok := prj.Patch(id)
		if !ok {
			return nil, fmt.Errorf("unknown patch %q", id)
		}
		return r.engine.Snap(ctx, patch, layer, p)
	}
}

func (r *router) registerStack(job Job, p align.Params, opt align.Options) operation {
	return func(ctx context.Context, prj *project.Project) (*align.Report, error) {
		name := getStringOption(job.Options, "stack")
		slices := prj.Stack(name)
		if len(slices) == 0 {
			return nil, fmt.Errorf("%w: stack %q has no slices", align.ErrTooFewTiles, name)
		}
		ref := slices[0]
		if id := getStringOption(job.Options, "reference"); id != "" {
			found := false
			for _, s := range slices {
				if s.ID() == id {
					ref, found = s, true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: reference %q is not a slice of stack %q", align.ErrFixedNotInSet, id, name)
			}
		}
		patches := make([]align.Patch, len(slices))
		for i, s := range slices {
			patches[i] = s
		}
		return r.engine.RegisterStackSlices(ctx, patches, ref, p, opt)
	}
}

func pickLayer(prj *project.Project, id string) (*project.Layer, error) {
	if id == "" {
		if len(prj.Layers) == 0 {
			return nil, fmt.Errorf("%w: project has no layers", align.ErrTooFewTiles)
		}
		return prj.Layers[0], nil
	}
	l, ok := prj.Layer(id)
	if !ok {
		return nil, fmt.Errorf("unknown layer %q", id)
	}
	return l, nil
}

func lookupPatches(prj *project.Project, ids []string) ([]align.Patch, error) {
	var out []align.Patch
	for _, id := range ids {
		patch, _, ok := prj.Patch(id)
		if !ok {
			return nil, fmt.Errorf("unknown patch %q", id)
		}
		out = append(out, patch)
	}
	return out, nil
}

// ParamsFromConfig converts the configured parameters to engine parameters.
func ParamsFromConfig(c config.Params) (align.Params, error) {
	p := align.DefaultParams()
	p.Feature = feature.Params{MaxOctaveSize: c.MaxOctaveSize, MinOctaveSize: c.MinOctaveSize}
	p.Rod = c.Rod
	p.MaxEpsilon = c.MaxEpsilon
	p.MinInlierRatio = c.MinInlierRatio
	p.MinMatchMultiplier = c.MinMatchMultiplier
	p.MaxTrust = c.MaxTrust
	p.RansacIterations = c.RansacIterations
	p.Regularize = c.Regularize
	p.Lambda = c.Lambda
	p.MaxIterations = c.MaxIterations
	p.ConvergenceTolerance = c.ConvergenceTolerance
	p.Seed = c.Seed

	var err error
	if c.ExpectedModel != "" {
		if p.ExpectedModel, err = model.ParseType(c.ExpectedModel); err != nil {
			return p, fmt.Errorf("expected_model: %w", err)
		}
	}
	if c.DesiredModel != "" {
		if p.DesiredModel, err = model.ParseType(c.DesiredModel); err != nil {
			return p, fmt.Errorf("desired_model: %w", err)
		}
	}
	if c.RegularizerModel != "" {
		if p.RegularizerModel, err = model.ParseType(c.RegularizerModel); err != nil {
			return p, fmt.Errorf("regularizer_model: %w", err)
		}
	}
	return p, p.Validate()
}

// applyParamOverrides lets a job adjust the few knobs users change per run.
func applyParamOverrides(p align.Params, opts map[string]any) align.Params {
	if name := getStringOption(opts, "model"); name != "" {
		if t, err := model.ParseType(name); err == nil {
			p.DesiredModel = t
		}
	}
	if name := getStringOption(opts, "expected_model"); name != "" {
		if t, err := model.ParseType(name); err == nil {
			p.ExpectedModel = t
		}
	}
	if v := getFloat64Option(opts, "max_epsilon"); v > 0 {
		p.MaxEpsilon = v
	}
	if v := getFloat64Option(opts, "rod"); v > 0 {
		p.Rod = v
	}
	return p
}

// crossOverrides maps cross_* job options onto the plain option names.
func crossOverrides(opts map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"model", "expected_model", "max_epsilon", "rod"} {
		if v, ok := opts["cross_"+key]; ok {
			out[key] = v
		}
	}
	return out
}

func optionsFromConfig(c config.Options, opts map[string]any) align.Options {
	o := align.Options{
		TilesAreInPlace:    c.TilesAreInPlace,
		LargestGraphOnly:   c.LargestGraphOnly,
		HideDisconnected:   c.HideDisconnected,
		DeleteDisconnected: c.DeleteDisconnected,
		Deform:             c.Deform,
		VirtualConnections: c.VirtualConnections,
	}
	setBool(&o.TilesAreInPlace, opts, "tiles_in_place")
	setBool(&o.LargestGraphOnly, opts, "largest_graph_only")
	setBool(&o.HideDisconnected, opts, "hide_disconnected")
	setBool(&o.DeleteDisconnected, opts, "delete_disconnected")
	setBool(&o.Deform, opts, "deform")
	setBool(&o.VirtualConnections, opts, "virtual_connections")
	return o
}

// Helper functions to safely extract typed options from job.Options map
func setBool(dst *bool, options map[string]any, key string) {
	if val, ok := options[key].(bool); ok {
		*dst = val
	}
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

// getStringSlice accepts []string from Go callers and []any from decoded JSON.
func getStringSlice(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

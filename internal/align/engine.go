// Package align registers overlapping image patches into one consistent
// frame. It pairs tiles, verifies feature correspondences with RANSAC,
// partitions the resulting graph and solves for every tile's placement,
// optionally across a stack of layers.
package align

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"montage/internal/feature"
	"montage/internal/logging"

	"github.com/google/uuid"
)

// Engine runs alignments. It is safe for concurrent use. Extracted features
// are cached by image content, so a patch whose pixels change is extracted
// again.
type Engine struct {
	extractor feature.Extractor
	log       *slog.Logger

	mu      sync.Mutex
	workers int
	cache   map[cacheKey][]feature.Feature
	order   []cacheKey
}

type cacheKey struct {
	digest [sha256.Size]byte
	params feature.Params
}

// maxCachedImages bounds the feature cache; the oldest entries go first.
const maxCachedImages = 4096

// New creates an engine using extractor for all feature detection.
func New(extractor feature.Extractor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		extractor: extractor,
		log:       log,
		workers:   runtime.NumCPU(),
		cache:     make(map[cacheKey][]feature.Feature),
	}
}

// SetWorkers bounds the goroutines used for extraction, matching and
// overlay updates. Values below 1 reset to the CPU count. Runs already in
// progress keep their pool size.
func (e *Engine) SetWorkers(n int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	e.mu.Lock()
	e.workers = n
	e.mu.Unlock()
}

func (e *Engine) poolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers
}

// ClearCache drops every cached feature set.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[cacheKey][]feature.Feature)
	e.order = nil
	e.mu.Unlock()
}

func (e *Engine) cached(key cacheKey) ([]feature.Feature, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs, ok := e.cache[key]
	return fs, ok
}

func (e *Engine) remember(key cacheKey, fs []feature.Feature) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[key]; ok {
		return
	}
	for len(e.order) >= maxCachedImages {
		delete(e.cache, e.order[0])
		e.order = e.order[1:]
	}
	e.cache[key] = fs
	e.order = append(e.order, key)
}

// imageKey identifies img by its size and pixels.
func imageKey(img *image.Gray, p feature.Params) cacheKey {
	h := sha256.New()
	b := img.Bounds()
	var dims [16]byte
	binary.LittleEndian.PutUint32(dims[0:], uint32(b.Min.X))
	binary.LittleEndian.PutUint32(dims[4:], uint32(b.Min.Y))
	binary.LittleEndian.PutUint32(dims[8:], uint32(b.Dx()))
	binary.LittleEndian.PutUint32(dims[12:], uint32(b.Dy()))
	h.Write(dims[:])
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		h.Write(img.Pix[off : off+b.Dx()])
	}
	key := cacheKey{params: p}
	h.Sum(key.digest[:0])
	return key
}

// parallel calls fn for 0..n-1 on the worker pool and waits for all of them.
func (e *Engine) parallel(ctx context.Context, n int, fn func(i int)) error {
	workers := e.poolSize()
	if workers > n {
		workers = n
	}
	jobs := make(chan int, workers*2)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				fn(i)
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// run tracks the state and report of one engine operation.
type run struct {
	e      *Engine
	id     string
	state  State
	report *Report
	start  time.Time
}

func (e *Engine) newRun(op string, opt Options) *run {
	id := opt.RunID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{e: e, id: id, start: time.Now(), report: &Report{RunID: id}}
	logging.LogProcessingStep(e.log, id, op, "started", map[string]any{
		"workers": e.poolSize(),
	})
	return r
}

// advance moves to next unless ctx is done, in which case the run is aborted.
func (r *run) advance(ctx context.Context, next State, details map[string]any) error {
	if err := ctx.Err(); err != nil {
		return r.abort(err)
	}
	r.state = next
	r.report.State = next
	logging.LogProcessingStep(r.e.log, r.id, next.String(), "done", details)
	return nil
}

func (r *run) abort(err error) error {
	r.state = StateAborted
	r.report.State = StateAborted
	r.report.Duration = time.Since(r.start)
	logging.LogProcessingStep(r.e.log, r.id, StateAborted.String(), "aborted", map[string]any{
		"error": err.Error(),
	})
	return aborted(err)
}

func (r *run) complete(ctx context.Context) (*Report, error) {
	if err := r.advance(ctx, StateComplete, nil); err != nil {
		return r.report, err
	}
	r.report.Duration = time.Since(r.start)
	return r.report, nil
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"log/slog"

	"montage/internal/config"
	"montage/internal/logging"
	"montage/internal/storage"
)

// JobType enumerates the engine operations a job can run.
type JobType string

const (
	JobMontage       JobType = "montage"
	JobMontageLayers JobType = "montage-layers"
	JobMosaic        JobType = "mosaic"
	JobSnap          JobType = "snap"
	JobRegisterStack JobType = "register-stack"
)

// JobTypes lists every supported type.
var JobTypes = []JobType{JobMontage, JobMontageLayers, JobMosaic, JobSnap, JobRegisterStack}

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single alignment request against a project file.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Status is the in-memory view of a submitted job.
type Status struct {
	Job       Job            `json:"job"`
	State     string         `json:"state"` // queued, running, completed, failed
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Submitted time.Time      `json:"submitted"`
	Finished  *time.Time     `json:"finished,omitempty"`
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
	statuses  map[string]*Status
}

// New creates a Pipeline whose workers run jobs on engine.
func New(ctx context.Context, proc config.Processing, logger *slog.Logger, store *storage.Store, alignCfg *config.AlignmentConfig, engine Aligner) *Pipeline {
	return newPipeline(ctx, proc, logger, store, newRouter(logger, store, alignCfg, engine))
}

func newPipeline(ctx context.Context, proc config.Processing, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	concurrency := proc.ParallelJobs
	if concurrency < 1 {
		concurrency = 1
	}
	queue := proc.QueueSize
	if queue < 1 {
		queue = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:      logger,
		jobs:     make(chan Job, queue),
		cancel:   cancel,
		store:    store,
		subs:     make(map[int]chan Result),
		statuses: make(map[string]*Status),
	}

	p.startOnce.Do(func() {
		p.processor = processor
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.statuses[job.ID] = &Status{Job: job, State: "queued", Submitted: time.Now()}
	p.mu.Unlock()

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	// The send happens under mu so Stop cannot close the queue in between.
	p.mu.Lock()
	err := ErrStopped
	if !p.stopped {
		select {
		case p.jobs <- job:
			err = nil
		default:
			err = ErrQueueFull
		}
	}
	if err != nil {
		delete(p.statuses, job.ID)
	}
	p.mu.Unlock()

	if err != nil && p.store != nil {
		_ = p.store.RecordJobResult(job.ID, "rejected", nil, err.Error())
	}
	return err
}

// Status returns the state of a submitted job.
func (p *Pipeline) Status(id string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Statuses lists every known job, newest first.
func (p *Pipeline) Statuses() []Status {
	p.mu.Lock()
	out := make([]Status, 0, len(p.statuses))
	for _, st := range p.statuses {
		out = append(out, *st)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].Submitted.After(out[j].Submitted)
		}
		return out[i].Job.ID < out[j].Job.ID
	})
	return out
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) setState(id, state string, res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[id]
	if !ok {
		return
	}
	st.State = state
	if res != nil {
		now := time.Now()
		st.Finished = &now
		st.Meta = res.Meta
		st.Error = errString(res.Error)
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			p.setState(job.ID, "running", nil)
			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
				})
				status = "failed"
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}
			p.setState(job.ID, status, &res)

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

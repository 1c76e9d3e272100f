package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/swapbooth/internal/comfy"
	"github.com/seantiz/swapbooth/internal/model"
	"github.com/seantiz/swapbooth/internal/store"
	"github.com/seantiz/swapbooth/internal/workflow"
)

const (
	// DefaultQueueBound is the number of jobs allowed to wait behind the
	// one holding the gate.
	DefaultQueueBound = 4
	// DefaultJobTimeout bounds a job from gate admission to its output.
	DefaultJobTimeout = 120 * time.Second
)

// Engine is the subset of the engine client the orchestrator drives.
type Engine interface {
	Connect(ctx context.Context) error
	Connected() bool
	UploadImage(ctx context.Context, name string, data []byte) (comfy.ImageRef, error)
	Submit(ctx context.Context, prompt json.Marshaler, opts ...comfy.SubmitOption) (string, error)
	AwaitCompletion(ctx context.Context, jobID string, timeout time.Duration) (comfy.TerminalEvent, error)
	FetchOutput(ctx context.Context, jobID, outputNode string) ([]byte, error)
}

// Options configures an Orchestrator.
type Options struct {
	// QueueBound caps the wait queue. Zero means DefaultQueueBound.
	QueueBound int
	// JobTimeout is the end-to-end budget of one admitted job. Zero means
	// DefaultJobTimeout.
	JobTimeout time.Duration
	// Store records job history. Optional.
	Store store.Store
	// Broker receives per-job progress. Optional.
	Broker *Broker
}

// Request is one face-swap job.
type Request struct {
	Source     []byte
	Template   []byte
	Origin     model.Origin
	SessionID  string
	SourcePath string
	// JobID pre-assigns the local job id, e.g. so an async caller can hand
	// it out before the job finishes. A new id is generated when empty.
	JobID string
}

// Result is a finished job and its output image.
type Result struct {
	Job   *model.Job
	Image []byte
}

type outcome struct {
	result Result
	err    error
}

// Orchestrator serializes jobs from all producers onto the engine.
type Orchestrator struct {
	engine   Engine
	template atomic.Pointer[workflow.Template]
	gate     *gate
	timeout  time.Duration
	store    store.Store
	broker   *Broker
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates an orchestrator that patches tmpl for every job.
func New(engine Engine, tmpl *workflow.Template, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.QueueBound <= 0 {
		opts.QueueBound = DefaultQueueBound
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	o := &Orchestrator{
		engine:  engine,
		gate:    newGate(opts.QueueBound),
		timeout: opts.JobTimeout,
		store:   opts.Store,
		broker:  opts.Broker,
		logger:  logger,
	}
	o.template.Store(tmpl)
	return o
}

// Broker returns the progress broker for SSE subscription.
func (o *Orchestrator) Broker() *Broker {
	return o.broker
}

// Template returns the workflow template new jobs are built from.
func (o *Orchestrator) Template() *workflow.Template {
	return o.template.Load()
}

// SetTemplate replaces the workflow template. Jobs already admitted keep
// the template they started with.
func (o *Orchestrator) SetTemplate(t *workflow.Template) {
	o.template.Store(t)
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Busy       bool          `json:"busy"`
	Queued     int           `json:"queued"`
	QueueBound int           `json:"queue_bound"`
	JobTimeout time.Duration `json:"job_timeout_ns"`
}

// Stats reports whether a job holds the gate and how many are waiting.
func (o *Orchestrator) Stats() Stats {
	busy, queued := o.gate.stats()
	return Stats{Busy: busy, Queued: queued, QueueBound: o.gate.bound, JobTimeout: o.timeout}
}

// Wait blocks until all admitted jobs have reached a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Process runs one job to completion and returns its output image.
//
// The caller waits in FIFO order for the engine; if the queue is full it
// gets ErrBackendUnavailable at once. Once admitted, the job runs on its
// own goroutine under the orchestrator's timeout. Cancelling ctx detaches
// the caller but does not abort an admitted job: the gate is held until the
// job completes, fails, or times out.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	job := &model.Job{
		ID:         req.JobID,
		Origin:     req.Origin,
		State:      model.StateQueued,
		SessionID:  req.SessionID,
		SourcePath: req.SourcePath,
		CreatedAt:  time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = model.NewID()
	}
	logger := o.logger.With("job_id", job.ID, "origin", job.Origin)

	o.createRecord(job)

	// A rejected job never reports queued; its first event is finished.
	if err := o.gate.acquire(ctx, func() { o.publish(job, Progress{Stage: StageQueued}) }); err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			gateRejections.Inc()
			logger.Warn("job rejected, engine queue full")
			err = fmt.Errorf("%w: %d jobs already waiting", ErrBackendUnavailable, o.gate.bound)
		} else {
			logger.Info("caller left the queue before admission", "error", err)
		}
		o.finish(job, nil, err)
		return Result{Job: job}, err
	}

	done := make(chan outcome, 1)
	o.wg.Go(func() {
		var out outcome
		defer func() { done <- out }()
		// The gate is free before the caller sees the outcome.
		defer o.gate.release()
		out.result, out.err = o.run(job, req, logger)
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		logger.Info("caller detached from admitted job", "error", ctx.Err())
		return Result{}, ctx.Err()
	}
}

func validate(req Request) error {
	if len(req.Source) == 0 {
		return fmt.Errorf("%w: source image is empty", ErrInvalidRequest)
	}
	if len(req.Template) == 0 {
		return fmt.Errorf("%w: template image is empty", ErrInvalidRequest)
	}
	if !req.Origin.Valid() {
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidRequest, req.Origin)
	}
	return nil
}

// run executes an admitted job. It owns job until it returns.
func (o *Orchestrator) run(job *model.Job, req Request, logger *slog.Logger) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	o.publish(job, Progress{Stage: StageAdmitted})

	image, err := o.execute(ctx, job, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: job %s exceeded %s: %v", ErrTimeout, job.ID, o.timeout, err)
	}
	if err == nil && len(image) == 0 {
		err = fmt.Errorf("%w: job %s produced an empty image", ErrRetrieval, job.ID)
	}

	o.finish(job, &start, err)
	if err != nil {
		logger.Error("job failed", "engine_job_id", job.EngineJobID, "kind", Kind(err), "error", err)
		return Result{Job: job}, err
	}
	logger.Info("job completed", "engine_job_id", job.EngineJobID, "duration_ms", *job.DurationMS)
	return Result{Job: job, Image: image}, nil
}

func (o *Orchestrator) execute(ctx context.Context, job *model.Job, req Request) ([]byte, error) {
	if !o.engine.Connected() {
		o.logger.Info("engine stream down, reconnecting", "job_id", job.ID)
		if err := o.engine.Connect(ctx); err != nil {
			return nil, err
		}
	}

	tmpl := o.template.Load()

	o.publish(job, Progress{Stage: StageUploading})
	srcRef, err := o.engine.UploadImage(ctx, uploadName(job.ID, "source", req.Source), req.Source)
	if err != nil {
		return nil, err
	}
	tplRef, err := o.engine.UploadImage(ctx, uploadName(job.ID, "template", req.Template), req.Template)
	if err != nil {
		return nil, err
	}

	wf := tmpl.ClonePatch(srcRef.String(), tplRef.String())

	engineID, err := o.engine.Submit(ctx, wf, comfy.WithProgress(func(ev comfy.Event) {
		o.broker.Publish(job.ID, Progress{
			JobID: job.ID,
			Stage: ev.Type,
			State: model.StateExecuting,
			Node:  ev.Node,
			Value: ev.Value,
			Max:   ev.Max,
			At:    ev.At,
		})
	}))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.EngineJobID = engineID
	job.SubmittedAt = &now
	o.transition(job, model.StateExecuting)
	o.publish(job, Progress{Stage: StageSubmitted})

	if _, err := o.engine.AwaitCompletion(ctx, engineID, 0); err != nil {
		return nil, err
	}

	o.publish(job, Progress{Stage: StageFetching})
	return o.engine.FetchOutput(ctx, engineID, wf.OutputNode())
}

// uploadName gives each job's inputs distinct names in the engine's input
// folder so that overwrite=true never clobbers another job's file.
func uploadName(jobID, role string, data []byte) string {
	ext := ".jpg"
	if http.DetectContentType(data) == "image/png" {
		ext = ".png"
	}
	return "swapbooth_" + jobID + "_" + role + ext
}

func (o *Orchestrator) transition(job *model.Job, to model.JobState) {
	if !model.ValidTransition(job.State, to) {
		o.logger.Error("invalid job transition", "job_id", job.ID, "from", job.State, "to", to)
		return
	}
	job.State = to
	o.updateRecord(job)
}

// finish moves job to its terminal state, records it, and closes its
// progress topic. start is nil when the job was never admitted.
func (o *Orchestrator) finish(job *model.Job, start *time.Time, err error) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	if start != nil {
		dur := int(time.Since(*start).Milliseconds())
		job.DurationMS = &dur
		jobDuration.WithLabelValues(string(job.Origin)).Observe(time.Since(*start).Seconds())
	}

	label := "completed"
	switch {
	case err == nil:
		job.State = model.StateCompleted
	case errors.Is(err, ErrTimeout):
		job.State = model.StateTimedOut
		label = KindTimeout
	default:
		job.State = model.StateFailed
		label = Kind(err)
	}
	if err != nil {
		job.Error = err.Error()
		job.ErrorKind = Kind(err)
	}
	jobsTotal.WithLabelValues(string(job.Origin), label).Inc()

	o.updateRecord(job)
	o.publish(job, Progress{Stage: StageFinished, Error: job.Error})
	o.broker.Close(job.ID)
}

func (o *Orchestrator) publish(job *model.Job, p Progress) {
	p.JobID = job.ID
	if p.State == "" {
		p.State = job.State
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	o.broker.Publish(job.ID, p)
}

func (o *Orchestrator) createRecord(job *model.Job) {
	if o.store == nil {
		return
	}
	if err := o.store.CreateJob(context.Background(), job); err != nil {
		o.logger.Error("failed to record job", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) updateRecord(job *model.Job) {
	if o.store == nil {
		return
	}
	if err := o.store.UpdateJob(context.Background(), job); err != nil {
		o.logger.Error("failed to update job record", "job_id", job.ID, "state", job.State, "error", err)
	}
}

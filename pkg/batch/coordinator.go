// Package batch distributes the lines of a batch over a pool of workers, each
// owning its own node scheduler, and runs the aggregation stage once after
// every line has a result.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/aggregation"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

var (
	// ErrNotStarted is returned when lines are submitted before Start.
	ErrNotStarted = errors.New("coordinator not started")
	// ErrClosed is returned when lines are submitted after Finalize or Shutdown.
	ErrClosed = errors.New("coordinator closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// livenessMisses is the number of heartbeat intervals a worker may miss.
const livenessMisses = 3

type assignment struct {
	job    *job
	worker *worker
	timer  *time.Timer
}

type expiry struct {
	gen uint64
	seq uint64
}

// Coordinator owns the worker pool and the batch result.
type Coordinator struct {
	flow     *flow.Flow
	registry *tool.Registry
	cfg      Config

	cache     *cache.Manager
	persister *cache.Persister
	sink      Sink
	metrics   metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx       context.Context
	cancelCtx context.CancelFunc
	deadline  time.Time

	submissions chan *job
	outcomes    chan outcome
	expired     chan expiry
	stop        chan struct{}
	loopDone    chan struct{}
	cancelCh    chan struct{}

	startOnce    sync.Once
	stopOnce     sync.Once
	cancelOnce   sync.Once
	finalizeOnce sync.Once

	// gate orders submissions before shutdown so none is left in the queue.
	gate    sync.RWMutex
	mu      sync.Mutex
	started bool
	closed  bool
	seq     uint64
	result  *run.BatchResult

	lines     sync.WaitGroup
	persisted sync.WaitGroup

	// dispatcher state
	nextGen  uint64
	workers  map[uint64]*worker
	idle     []*worker
	pending  []*job
	inflight map[uint64]*assignment
	canceled bool
}

// New creates a coordinator for a validated flow.
func New(f *flow.Flow, registry *tool.Registry, cfg Config, opts ...Option) (*Coordinator, error) {
	if f == nil {
		return nil, errors.New("flow cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		flow:        f,
		registry:    registry,
		cfg:         cfg,
		metrics:     metrics.NoOp{},
		logger:      zap.NewNop(),
		tracer:      defaultTracer(),
		submissions: make(chan *job, cfg.QueueSize),
		outcomes:    make(chan outcome),
		expired:     make(chan expiry),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		cancelCh:    make(chan struct{}),
		workers:     make(map[uint64]*worker),
		inflight:    make(map[uint64]*assignment),
		result:      &run.BatchResult{RunID: cfg.RunID, Status: run.StatusNotStarted},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start spawns the workers and the dispatcher. The batch timeout, when set,
// starts counting here.
func (c *Coordinator) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		if c.cfg.BatchTimeout > 0 {
			c.deadline = time.Now().Add(c.cfg.BatchTimeout)
			c.ctx, c.cancelCtx = context.WithDeadline(context.WithoutCancel(ctx), c.deadline)
		} else {
			c.ctx, c.cancelCtx = context.WithCancel(context.WithoutCancel(ctx))
		}

		for i := 0; i < c.cfg.WorkerCount; i++ {
			c.spawnWorker()
		}

		c.mu.Lock()
		c.started = true
		c.result.Status = run.StatusRunning
		c.result.StartTime = time.Now()
		c.mu.Unlock()

		go c.dispatch()
		c.logger.Info("batch started",
			zap.String("run_id", c.cfg.RunID),
			zap.Int("workers", c.cfg.WorkerCount),
			zap.Duration("line_timeout", c.cfg.LineTimeout),
			zap.Duration("batch_timeout", c.cfg.BatchTimeout))
		err = nil
	})
	return err
}

// Submit queues one line under the batch run id. Every accepted line
// produces exactly one result.
func (c *Coordinator) Submit(ctx context.Context, inputs map[string]any, lineNumber int) (*Handle, error) {
	return c.SubmitRun(ctx, c.cfg.RunID, inputs, lineNumber)
}

// SubmitRun queues one line under an explicit run id. An empty run id falls
// back to the batch run id.
func (c *Coordinator) SubmitRun(ctx context.Context, runID string, inputs map[string]any, lineNumber int) (*Handle, error) {
	if runID == "" {
		runID = c.cfg.RunID
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	c.mu.Lock()
	switch {
	case !c.started:
		c.mu.Unlock()
		return nil, ErrNotStarted
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.seq++
	j := &job{
		seq:       c.seq,
		runID:     runID,
		line:      lineNumber,
		inputs:    inputs,
		handle:    newHandle(lineNumber),
		submitted: time.Now(),
	}
	c.lines.Add(1)
	c.mu.Unlock()

	select {
	case c.submissions <- j:
		return j.handle, nil
	case <-ctx.Done():
		c.lines.Done()
		return nil, ctx.Err()
	case <-c.loopDone:
		c.lines.Done()
		return nil, ErrClosed
	}
}

// Cancel requests cancellation of the batch. Running lines stop between node
// dispatches and queued lines are reported Canceled.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
		c.logger.Info("batch cancel requested", zap.String("run_id", c.cfg.RunID))
	})
}

// Finalize waits for every submitted line, runs the aggregation stage once,
// flushes pending cache writes, and returns the batch result. No lines can be
// submitted afterwards.
func (c *Coordinator) Finalize(ctx context.Context) (*run.BatchResult, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.lines.Wait()
		c.persisted.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.finalizeOnce.Do(func() {
		c.mu.Lock()
		results := make([]*run.LineResult, len(c.result.LineResults))
		copy(results, c.result.LineResults)
		c.mu.Unlock()

		var agg *run.AggregationResult
		if c.flow.HasAggregation() {
			batchInputs, aggInputs := aggregation.Columnize(results)
			stage := aggregation.NewStage(c.flow,
				scheduler.New(c.cfg.Scheduler, c.registry, c.schedulerOptions()...), c.logger)
			agg = stage.Run(c.ctx, c.cfg.RunID, batchInputs, aggInputs)
		}

		if c.persister != nil {
			if err := c.persister.Flush(ctx); err != nil {
				c.logger.Warn("failed to flush cache writes", zap.Error(err))
			}
		}

		c.mu.Lock()
		c.result.Aggregation = agg
		c.result.Close(time.Now())
		summary := c.result.Summary()
		status := c.result.Status
		c.mu.Unlock()

		c.logger.Info("batch finalized",
			zap.String("run_id", c.cfg.RunID),
			zap.String("status", status.String()),
			zap.String("summary", summary))
	})
	return c.result, nil
}

// Shutdown stops the dispatcher and every worker. Lines still queued or
// running are reported Canceled. Workers stuck in a tool are abandoned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.gate.Lock()
	c.mu.Lock()
	c.closed = true
	started := c.started
	c.mu.Unlock()
	c.gate.Unlock()
	if !started {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.cancelCtx()

	persisted := make(chan struct{})
	go func() {
		c.persisted.Wait()
		close(persisted)
	}()
	select {
	case <-persisted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch owns the worker pool, the queue and the in-flight assignments.
func (c *Coordinator) dispatch() {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	cancel := c.cancelCh
	for {
		c.assign()
		c.metrics.QueueDepth(len(c.pending))

		select {
		case j := <-c.submissions:
			if c.canceled {
				c.deliver(j, c.synthetic(j, run.StatusCanceled, c.canceledErr(j)))
				continue
			}
			c.pending = append(c.pending, j)
		case o := <-c.outcomes:
			c.handleOutcome(o)
		case e := <-c.expired:
			c.handleExpiry(e)
		case <-ticker.C:
			c.checkLiveness(time.Now())
		case <-cancel:
			cancel = nil
			c.canceled = true
			for _, j := range c.pending {
				c.deliver(j, c.synthetic(j, run.StatusCanceled, c.canceledErr(j)))
			}
			c.pending = nil
		case <-c.stop:
			c.teardown()
			return
		}
	}
}

// assign hands queued lines to idle workers.
func (c *Coordinator) assign() {
	for len(c.pending) > 0 && len(c.idle) > 0 {
		j := c.pending[0]
		c.pending = c.pending[1:]

		timeout := c.cfg.LineTimeout
		if !c.deadline.IsZero() {
			remaining := time.Until(c.deadline)
			if remaining <= 0 {
				err := derrors.NewError(derrors.CodeBatchTimeout,
					fmt.Sprintf("batch timed out after %s before line %d started", c.cfg.BatchTimeout, j.line), nil).WithLine(j.line)
				c.deliver(j, c.synthetic(j, run.StatusFailed, err))
				continue
			}
			if remaining < timeout {
				timeout = remaining
			}
		}

		w := c.idle[0]
		c.idle = c.idle[1:]

		j.started = time.Now()
		j.timeout = timeout
		e := expiry{gen: w.gen, seq: j.seq}
		c.inflight[w.gen] = &assignment{
			job:    j,
			worker: w,
			timer: time.AfterFunc(timeout, func() {
				select {
				case c.expired <- e:
				case <-c.loopDone:
				}
			}),
		}
		w.jobs <- j
	}
}

func (c *Coordinator) handleOutcome(o outcome) {
	a, ok := c.inflight[o.gen]
	if !ok || a.job.seq != o.seq {
		c.logger.Debug("discarding late line result", zap.Uint64("worker", o.gen))
		return
	}
	a.timer.Stop()
	delete(c.inflight, o.gen)
	c.deliver(a.job, o.result)

	if o.crashed {
		c.replace(a.worker, "crash")
		return
	}
	c.idle = append(c.idle, a.worker)
}

func (c *Coordinator) handleExpiry(e expiry) {
	a, ok := c.inflight[e.gen]
	if !ok || a.job.seq != e.seq {
		return
	}
	delete(c.inflight, e.gen)
	c.logger.Warn("line timed out, replacing worker",
		zap.Int("line", a.job.line),
		zap.Uint64("worker", a.worker.gen),
		zap.Duration("timeout", a.job.timeout))
	c.deliver(a.job, c.synthetic(a.job, run.StatusFailed, derrors.LineTimeout(a.job.line, a.job.timeout)))
	c.replace(a.worker, "timeout")
}

// checkLiveness replaces workers whose heartbeat stopped. Once the batch
// context has ended every worker is stopping, and replacements would die with
// it, so nothing is replaced.
func (c *Coordinator) checkLiveness(now time.Time) {
	if c.ctx.Err() != nil {
		return
	}
	limit := livenessMisses * c.cfg.HeartbeatInterval
	for gen, w := range c.workers {
		if w.silentFor(now) <= limit {
			continue
		}
		c.logger.Error("worker heartbeat lost", zap.Uint64("worker", gen))
		if a, ok := c.inflight[gen]; ok {
			a.timer.Stop()
			delete(c.inflight, gen)
			c.deliver(a.job, c.synthetic(a.job, run.StatusFailed,
				derrors.WorkerCrash(a.job.line, errors.New("worker heartbeat lost"))))
		} else {
			c.removeIdle(w)
		}
		c.replace(w, "heartbeat")
	}
}

// replace abandons a worker and spawns a fresh one in its place.
func (c *Coordinator) replace(w *worker, reason string) {
	w.cancel()
	delete(c.workers, w.gen)
	c.metrics.WorkerReplaced(reason)
	next := c.spawnWorker()
	c.logger.Info("worker replaced",
		zap.Uint64("worker", w.gen),
		zap.Uint64("replacement", next.gen),
		zap.String("reason", reason))
}

func (c *Coordinator) removeIdle(w *worker) {
	for i, idle := range c.idle {
		if idle == w {
			c.idle = append(c.idle[:i], c.idle[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) teardown() {
	for gen, a := range c.inflight {
		a.timer.Stop()
		c.deliver(a.job, c.synthetic(a.job, run.StatusCanceled, c.canceledErr(a.job)))
		delete(c.inflight, gen)
	}
	for _, j := range c.pending {
		c.deliver(j, c.synthetic(j, run.StatusCanceled, c.canceledErr(j)))
	}
	c.pending = nil
drain:
	for {
		select {
		case j := <-c.submissions:
			c.deliver(j, c.synthetic(j, run.StatusCanceled, c.canceledErr(j)))
		default:
			break drain
		}
	}
	for _, w := range c.workers {
		w.cancel()
	}
	c.idle = nil
}

// deliver records the one result of a line and releases its waiters.
func (c *Coordinator) deliver(j *job, result *run.LineResult) {
	if !j.handle.complete(result) {
		return
	}
	c.mu.Lock()
	c.result.Add(result)
	c.mu.Unlock()

	info := result.RunInfo
	c.metrics.LineFinished(info.Status, info.EndTime.Sub(info.StartTime))
	if info.Status != run.StatusCompleted {
		c.logger.Warn("line did not complete",
			zap.Int("line", j.line),
			zap.String("status", info.Status.String()),
			zap.Any("error", info.Error))
	}

	if c.sink != nil {
		c.persisted.Add(1)
		go func() {
			defer c.persisted.Done()
			if err := c.sink.PersistLineRun(context.Background(), result); err != nil {
				c.logger.Warn("failed to persist line run", zap.Int("line", j.line), zap.Error(err))
			}
		}()
	}
	c.lines.Done()
}

// synthetic builds the result of a line that did not produce one itself.
func (c *Coordinator) synthetic(j *job, status run.Status, err error) *run.LineResult {
	start := j.started
	if start.IsZero() {
		start = j.submitted
	}
	return &run.LineResult{
		Output: map[string]any{},
		RunInfo: &run.FlowRunInfo{
			RunID:       fmt.Sprintf("%s_%d", j.runID, j.line),
			FlowID:      c.flow.ID,
			ParentRunID: j.runID,
			Index:       j.line,
			Status:      status,
			Inputs:      j.inputs,
			Error:       run.NewErrorPayload(err),
			StartTime:   start,
			EndTime:     time.Now(),
		},
		NodeRunInfos: map[string]*run.RunInfo{},
	}
}

func (c *Coordinator) canceledErr(j *job) error {
	return derrors.Canceled(fmt.Sprintf("line %d canceled", j.line)).WithLine(j.line)
}

func (c *Coordinator) schedulerOptions() []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithLogger(c.logger),
		scheduler.WithMetrics(c.metrics),
		scheduler.WithTracer(c.tracer),
	}
	if c.cache != nil {
		opts = append(opts, scheduler.WithCache(c.cache, c.persister))
	}
	if c.sink != nil {
		opts = append(opts, scheduler.WithSink(c.sink))
	}
	return opts
}

package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
)

// worker executes one line at a time on its own scheduler. gen is unique per
// worker incarnation so results from abandoned workers can be told apart.
type worker struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan *job
	sched  *scheduler.Scheduler
	beat   atomic.Int64
}

// outcome is what a worker reports back to the dispatcher.
type outcome struct {
	gen     uint64
	seq     uint64
	result  *run.LineResult
	crashed bool
}

func (c *Coordinator) spawnWorker() *worker {
	c.nextGen++
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{
		gen:    c.nextGen,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan *job, 1),
	}
	opts := append(c.schedulerOptions(), scheduler.WithHeartbeat(c.cfg.HeartbeatInterval, w.touch))
	w.sched = scheduler.New(c.cfg.Scheduler, c.registry, opts...)
	w.touch()
	c.workers[w.gen] = w
	c.idle = append(c.idle, w)
	go c.runWorker(w)
	return w
}

// runWorker beats while idle; during a line the scheduling loop beats for it.
// A worker wedged outside both loops goes silent.
func (c *Coordinator) runWorker(w *worker) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.logger.Debug("worker started", zap.Uint64("worker", w.gen))
	defer c.logger.Debug("worker stopped", zap.Uint64("worker", w.gen))

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.touch()
		case j := <-w.jobs:
			w.touch()
			result, crashed := c.execute(w, j)
			w.touch()
			select {
			case c.outcomes <- outcome{gen: w.gen, seq: j.seq, result: result, crashed: crashed}:
			case <-w.ctx.Done():
				return
			case <-c.loopDone:
				return
			}
			if crashed {
				return
			}
		}
	}
}

func (w *worker) touch() {
	w.beat.Store(time.Now().UnixNano())
}

func (w *worker) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.beat.Load()))
}

// execute runs a line and converts any panic into a worker crash result.
func (c *Coordinator) execute(w *worker, j *job) (result *run.LineResult, crashed bool) {
	ctx, span := c.tracer.Start(w.ctx, "batch.line",
		trace.WithAttributes(
			attribute.String("run_id", j.runID),
			attribute.Int("line", j.line),
			attribute.Int64("worker", int64(w.gen)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			c.logger.Error("worker crashed",
				zap.Uint64("worker", w.gen),
				zap.Int("line", j.line),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			span.RecordError(cause)
			result = c.synthetic(j, run.StatusFailed, derrors.WorkerCrash(j.line, cause))
			crashed = true
		}
	}()

	result = w.sched.Execute(ctx, scheduler.LineRequest{
		RunID:      j.runID,
		FlowID:     c.flow.ID,
		LineNumber: j.line,
		Inputs:     j.inputs,
		Flow:       c.flow,
		Cancel:     c.cancelCh,
	})
	span.SetAttributes(attribute.String("status", result.Status().String()))
	return result, false
}

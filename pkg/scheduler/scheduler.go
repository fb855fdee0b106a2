// Package scheduler executes one line of a flow: it walks the node DAG,
// dispatches ready nodes concurrently under a limiter, consults the cache,
// applies node timeouts and cancellation, and produces the line result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dag"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/stream"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

// NodeSink receives node run records as nodes reach a terminal status.
type NodeSink interface {
	PersistNodeRun(ctx context.Context, info *run.RunInfo) error
}

// LineRequest describes one line execution.
type LineRequest struct {
	RunID      string
	FlowID     string
	LineNumber int
	Inputs     map[string]any
	Flow       *flow.Flow

	// Nodes restricts execution to a subset of the flow. Nil runs the
	// flow's line nodes.
	Nodes []*flow.Node

	// Precompleted seeds outputs of nodes outside the executed set.
	Precompleted map[string]any

	// Cancel is closed to request cancellation. It is checked between node
	// dispatches.
	Cancel <-chan struct{}

	// Timeout bounds the whole line. Zero relies on ctx alone.
	Timeout time.Duration

	// Aggregation marks a batch-level run: node run ids end in _reduce and
	// flow inputs are passed through without type checks.
	Aggregation bool
}

// ToolPanic is raised on the executing goroutine when a tool panics, so the
// owning worker can treat it as a crash.
type ToolPanic struct {
	Node  string
	Value any
	Stack []byte
}

func (p *ToolPanic) Error() string {
	return fmt.Sprintf("tool of node '%s' panicked: %v", p.Node, p.Value)
}

// Scheduler executes lines. A Scheduler may run several lines concurrently;
// they share its limiter.
type Scheduler struct {
	cfg       Config
	registry  *tool.Registry
	limiter   *concurrency.Limiter
	cache     *cache.Manager
	persister *cache.Persister
	sink      NodeSink
	metrics   metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer

	heartbeat         func()
	heartbeatInterval time.Duration
}

// New creates a scheduler.
func New(cfg Config, registry *tool.Registry, opts ...Option) *Scheduler {
	cfg.Validate()
	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics.NoOp{},
		logger:   zap.NewNop(),
		tracer:   defaultTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = concurrency.NewLimiter(cfg.Concurrency)
	}
	return s
}

// Limiter returns the limiter bounding tool invocations.
func (s *Scheduler) Limiter() *concurrency.Limiter {
	return s.limiter
}

// nodeResult is produced by a node goroutine and merged into the node's
// RunInfo by the scheduling loop, which owns every RunInfo.
type nodeResult struct {
	name            string
	status          run.Status
	output          any
	err             error
	start           time.Time
	end             time.Time
	cachedRunID     string
	cachedFlowRunID string
	cacheKey        cache.Key
	persist         bool
	panic           *ToolPanic
}

type lineState struct {
	req       LineRequest
	lineRunID string
	mgr       *dag.Manager
	infos     map[string]*run.RunInfo
	inflight  map[string]*run.RunInfo
	results   chan nodeResult
	failedErr error
}

// Execute runs one line and always returns a result. A tool panic is
// re-raised as *ToolPanic after the line context is canceled.
func (s *Scheduler) Execute(ctx context.Context, req LineRequest) *run.LineResult {
	start := time.Now()
	lineRunID := fmt.Sprintf("%s_%d", req.RunID, req.LineNumber)
	if req.Aggregation {
		lineRunID = req.RunID + "_reduce"
	}

	var cancelLine context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancelLine = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancelLine = context.WithCancel(ctx)
	}
	defer cancelLine()

	ctx, span := s.tracer.Start(ctx, "scheduler.line",
		trace.WithAttributes(
			attribute.String("run_id", req.RunID),
			attribute.Int("line", req.LineNumber),
			attribute.Bool("aggregation", req.Aggregation),
		))
	defer span.End()

	flowInfo := &run.FlowRunInfo{
		RunID:       lineRunID,
		FlowID:      req.FlowID,
		ParentRunID: req.RunID,
		Index:       req.LineNumber,
		Status:      run.StatusRunning,
		Inputs:      req.Inputs,
		StartTime:   start,
	}
	result := &run.LineResult{
		Output:       map[string]any{},
		RunInfo:      flowInfo,
		NodeRunInfos: map[string]*run.RunInfo{},
	}

	inputs := req.Inputs
	if !req.Aggregation && req.Flow != nil {
		resolved, err := req.Flow.ResolveInputs(req.Inputs, req.LineNumber)
		if err != nil {
			return s.finishLine(span, result, run.StatusFailed, err)
		}
		inputs = resolved
		flowInfo.Inputs = resolved
	}

	nodes := req.Nodes
	if nodes == nil && req.Flow != nil {
		nodes = req.Flow.LineNodes()
	}

	state := &lineState{
		req:       req,
		lineRunID: lineRunID,
		mgr:       dag.New(nodes, inputs, dag.WithParamDefaults(s.hasDefault)),
		infos:     make(map[string]*run.RunInfo, len(nodes)),
		inflight:  make(map[string]*run.RunInfo),
		results:   make(chan nodeResult, len(nodes)),
	}
	if len(req.Precompleted) > 0 {
		state.mgr.CompleteNodes(req.Precompleted)
	}

	if err := s.loop(ctx, state); err != nil {
		s.cancelRemaining(ctx, state)
		status := run.StatusFailed
		if derrors.IsCanceled(err) {
			status = run.StatusCanceled
		}
		return s.finishLine(span, attachNodes(result, state.infos), status, err)
	}

	attachNodes(result, state.infos)
	if !req.Aggregation && req.Flow != nil {
		result.AggregationInputs = s.aggregationInputs(req.Flow, state.mgr)
	}
	if state.failedErr != nil {
		return s.finishLine(span, result, run.StatusFailed, state.failedErr)
	}
	if req.Flow != nil {
		outputs, err := s.flowOutputs(req, state.mgr)
		if err != nil {
			return s.finishLine(span, result, run.StatusFailed, err)
		}
		result.Output = outputs
	}
	return s.finishLine(span, result, run.StatusCompleted, nil)
}

// loop drives the DAG until every node settles, the line context ends, or
// cancellation is requested.
func (s *Scheduler) loop(ctx context.Context, st *lineState) error {
	var beat <-chan time.Time
	if s.heartbeat != nil {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		if err := s.interrupted(ctx, st); err != nil {
			return s.stop(ctx, st, err)
		}
		settled := len(st.infos)

		s.settleSkipped(ctx, st)

		ready := st.mgr.PopReadyNodes()
		for i, n := range ready {
			if err := s.interrupted(ctx, st); err != nil {
				for _, skipped := range ready[i:] {
					st.infos[skipped.Name] = s.newInfo(st, skipped)
				}
				return s.stop(ctx, st, err)
			}
			s.dispatch(ctx, st, n)
		}

		if len(st.inflight) == 0 {
			if st.mgr.Settled() {
				return nil
			}
			// A synchronous dispatch failure may have unblocked dependents.
			if len(st.infos) > settled {
				continue
			}
			return derrors.NewError(derrors.CodeNoNodeExecuted,
				fmt.Sprintf("no node could be executed, pending nodes: %v", st.mgr.Pending()), nil).WithLine(st.req.LineNumber)
		}

		select {
		case res := <-st.results:
			s.complete(ctx, st, res)
			s.beat()
		case <-ctx.Done():
			return s.stop(ctx, st, s.interrupted(ctx, st))
		case <-st.req.Cancel:
			return s.stop(ctx, st, s.cancelRequested(st))
		case <-beat:
			s.beat()
		}
	}
}

// stop ends the loop. After a cancel request nothing new is dispatched, but
// nodes already running finish and keep their own terminal status. A line
// deadline or a dead context ends the wait for them.
func (s *Scheduler) stop(ctx context.Context, st *lineState, err error) error {
	if ctx.Err() != nil || len(st.inflight) == 0 || s.cancelRequested(st) == nil {
		return err
	}
	for _, info := range st.inflight {
		info.Status = run.StatusCancelRequested
	}
	s.logger.Info("line cancel requested, waiting for running nodes",
		zap.Int("line", st.req.LineNumber),
		zap.Int("running", len(st.inflight)))
	for len(st.inflight) > 0 {
		select {
		case res := <-st.results:
			s.complete(ctx, st, res)
			s.beat()
		case <-ctx.Done():
			return s.contextErr(ctx, st)
		}
	}
	if cerr := s.contextErr(ctx, st); cerr != nil {
		return cerr
	}
	return err
}

func (s *Scheduler) interrupted(ctx context.Context, st *lineState) error {
	if err := s.cancelRequested(st); err != nil {
		return err
	}
	return s.contextErr(ctx, st)
}

func (s *Scheduler) cancelRequested(st *lineState) error {
	select {
	case <-st.req.Cancel:
		return derrors.Canceled(fmt.Sprintf("line %d canceled", st.req.LineNumber)).WithLine(st.req.LineNumber)
	default:
		return nil
	}
}

func (s *Scheduler) contextErr(ctx context.Context, st *lineState) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return derrors.LineTimeout(st.req.LineNumber, lineBudget(ctx, st))
	case err != nil:
		return derrors.Canceled(fmt.Sprintf("line %d canceled: %v", st.req.LineNumber, err)).WithLine(st.req.LineNumber)
	}
	return nil
}

func (s *Scheduler) beat() {
	if s.heartbeat != nil {
		s.heartbeat()
	}
}

// settleSkipped records nodes blocked by failed dependencies and nodes
// bypassed by conditions, repeating until no more nodes settle.
func (s *Scheduler) settleSkipped(ctx context.Context, st *lineState) {
	for {
		progressed := false

		blocked := st.mgr.PopBlockedNodes()
		for _, n := range nodesInOrder(st.req, blocked) {
			info := s.newInfo(st, n)
			info.Status = run.StatusBypassed
			info.EndTime = info.StartTime
			if s.cfg.FailFast {
				info.Error = run.NewErrorPayload(derrors.UpstreamFailed(n.Name, blocked[n.Name]))
			}
			s.logger.Info("node bypassed after upstream failure",
				zap.String("node", n.Name),
				zap.String("upstream", blocked[n.Name]),
				zap.Int("line", st.req.LineNumber))
			s.record(ctx, st, info, n.Tool)
			progressed = true
		}

		for _, n := range st.mgr.PopBypassableNodes() {
			info := s.newInfo(st, n)
			info.Status = run.StatusBypassed
			info.EndTime = info.StartTime
			s.logger.Debug("node bypassed",
				zap.String("node", n.Name),
				zap.Int("line", st.req.LineNumber))
			s.record(ctx, st, info, n.Tool)
			progressed = true
		}

		if !progressed {
			return
		}
	}
}

// dispatch resolves a ready node's inputs on the loop goroutine and starts
// the node. Resolution failures fail the node without invoking it.
func (s *Scheduler) dispatch(ctx context.Context, st *lineState, n *flow.Node) {
	info := s.newInfo(st, n)
	info.Status = run.StatusPreparing

	entry, err := s.registry.Lookup(n.Tool)
	if err != nil {
		s.failNode(ctx, st, info, n.Tool, derrors.ToolExecution(n.Name, n.Tool, err))
		return
	}
	inputs, err := st.mgr.NodeInputs(n)
	if err != nil {
		s.failNode(ctx, st, info, n.Tool, derrors.ToolExecution(n.Name, n.Tool, err))
		return
	}
	info.Inputs = inputs

	st.inflight[n.Name] = info
	go func() {
		st.results <- s.runNode(ctx, st.req, n, entry, inputs)
	}()
}

// runNode executes on its own goroutine and must not touch loop state.
func (s *Scheduler) runNode(ctx context.Context, req LineRequest, n *flow.Node, entry tool.Entry, inputs map[string]any) (res nodeResult) {
	res = nodeResult{name: n.Name, start: time.Now()}
	defer func() { res.end = time.Now() }()

	ctx, span := s.tracer.Start(ctx, "scheduler.node",
		trace.WithAttributes(
			attribute.String("node", n.Name),
			attribute.String("tool", n.Tool),
			attribute.Int("line", req.LineNumber),
		))
	defer span.End()

	if n.EnableCache && s.cache != nil {
		version := entry.Version
		if n.CacheVersion != "" {
			version = n.CacheVersion
		}
		key, err := cache.ComputeKey(n.Tool, version, inputs)
		if err != nil {
			s.logger.Debug("node inputs are not cacheable", zap.String("node", n.Name), zap.Error(err))
		} else {
			if record, ok := s.cache.Lookup(ctx, key); ok {
				s.metrics.CacheLookup(n.Tool, true)
				span.SetAttributes(attribute.Bool("cache_hit", true))
				res.status = run.StatusCompleted
				res.output = record.Output
				res.cachedRunID = record.RunID
				res.cachedFlowRunID = record.FlowRunID
				return res
			}
			s.metrics.CacheLookup(n.Tool, false)
			res.cacheKey = key
			res.persist = true
		}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		res.status = run.StatusCanceled
		res.err = derrors.Canceled("node canceled before start").WithNode(n.Name)
		res.persist = false
		return res
	}

	timeout := s.cfg.NodeTimeout
	if n.Timeout > 0 {
		timeout = n.Timeout
	}
	var (
		nodeCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		nodeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type invocation struct {
		output any
		err    error
		panic  *ToolPanic
	}
	done := make(chan invocation, 1)
	go func() {
		// The slot is held until the tool actually returns, even when the
		// node has already been reported as timed out.
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{panic: &ToolPanic{Node: n.Name, Value: r, Stack: debug.Stack()}}
			}
		}()
		out, err := entry.Tool.Invoke(nodeCtx, inputs)
		done <- invocation{output: out, err: err}
	}()

	select {
	case inv := <-done:
		switch {
		case inv.panic != nil:
			res.panic = inv.panic
			res.status = run.StatusFailed
			res.err = inv.panic
			res.persist = false
		case inv.err != nil:
			res.status = run.StatusFailed
			res.persist = false
			if errors.Is(inv.err, context.DeadlineExceeded) && nodeCtx.Err() != nil && ctx.Err() == nil {
				res.err = derrors.NodeTimeout(n.Name, timeout)
			} else if ctx.Err() != nil {
				res.status = run.StatusCanceled
				res.err = derrors.Canceled("node canceled").WithNode(n.Name)
			} else {
				res.err = derrors.ToolExecution(n.Name, n.Tool, inv.err)
			}
		default:
			res.status = run.StatusCompleted
			res.output = inv.output
			if seq, ok := inv.output.(stream.Sequence); ok {
				res.output = stream.Trace(seq, s.cfg.TraceLimit, nil)
				res.persist = false
			}
		}
	case <-nodeCtx.Done():
		res.persist = false
		if ctx.Err() != nil {
			res.status = run.StatusCanceled
			res.err = derrors.Canceled("node canceled").WithNode(n.Name)
		} else {
			res.status = run.StatusFailed
			res.err = derrors.NodeTimeout(n.Name, timeout)
		}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res
}

// complete merges a node result into the loop state.
func (s *Scheduler) complete(ctx context.Context, st *lineState, res nodeResult) {
	info, ok := st.inflight[res.name]
	if !ok {
		return
	}
	delete(st.inflight, res.name)

	if res.panic != nil {
		panic(res.panic)
	}

	info.Status = res.status
	info.StartTime = res.start
	info.EndTime = res.end
	info.CachedRunID = res.cachedRunID
	info.CachedFlowRunID = res.cachedFlowRunID
	n := st.req.node(res.name)

	if res.status == run.StatusCompleted {
		info.Output = res.output
		st.mgr.CompleteNodes(map[string]any{res.name: res.output})
		if res.persist {
			s.persist(ctx, info, res.cacheKey)
		}
		s.record(ctx, st, info, n.Tool)
		return
	}

	s.failNode(ctx, st, info, n.Tool, res.err)
}

func (s *Scheduler) failNode(ctx context.Context, st *lineState, info *run.RunInfo, toolID string, err error) {
	if info.Status != run.StatusCanceled {
		info.Status = run.StatusFailed
	}
	if info.EndTime.IsZero() {
		info.EndTime = time.Now()
	}
	info.Error = run.NewErrorPayload(err)
	st.mgr.Fail(info.Node)
	if st.failedErr == nil {
		st.failedErr = err
	}
	s.logger.Warn("node failed",
		zap.String("node", info.Node),
		zap.String("tool", toolID),
		zap.Int("line", st.req.LineNumber),
		zap.Error(err))
	s.record(ctx, st, info, toolID)
}

// cancelRemaining reports nodes still running when the line was cut off and
// every undispatched node as canceled.
func (s *Scheduler) cancelRemaining(ctx context.Context, st *lineState) {
	now := time.Now()
	for _, n := range nodesInOrder(st.req, st.inflight) {
		info := st.inflight[n.Name]
		info.Status = run.StatusCanceled
		info.EndTime = now
		s.record(ctx, st, info, n.Tool)
	}
	st.inflight = map[string]*run.RunInfo{}

	for _, name := range st.mgr.Pending() {
		n := st.req.node(name)
		info := s.newInfo(st, n)
		info.Status = run.StatusCanceled
		info.EndTime = now
		s.record(ctx, st, info, n.Tool)
	}
	for name, info := range st.infos {
		if info.Status == run.StatusNotStarted {
			info.Status = run.StatusCanceled
			info.EndTime = now
			s.record(ctx, st, info, st.req.node(name).Tool)
		}
	}
}

// record stores a terminal RunInfo and emits it exactly once.
func (s *Scheduler) record(ctx context.Context, st *lineState, info *run.RunInfo, toolID string) {
	st.infos[info.Node] = info
	s.metrics.NodeFinished(toolID, info.Status, info.Duration())
	if s.sink == nil {
		return
	}
	if err := s.sink.PersistNodeRun(context.WithoutCancel(ctx), info); err != nil {
		s.logger.Warn("failed to persist node run",
			zap.String("node", info.Node),
			zap.String("run_id", info.RunID),
			zap.Error(err))
	}
}

func (s *Scheduler) persist(ctx context.Context, info *run.RunInfo, key cache.Key) {
	snapshot := *info
	if s.persister != nil {
		s.persister.Enqueue(&snapshot, key)
		return
	}
	if err := s.cache.Persist(context.WithoutCancel(ctx), &snapshot, key); err != nil {
		s.logger.Warn("failed to persist cache record", zap.String("node", info.Node), zap.Error(err))
	}
}

func (s *Scheduler) newInfo(st *lineState, n *flow.Node) *run.RunInfo {
	runID := fmt.Sprintf("%s_%s_%d", st.req.RunID, n.Name, st.req.LineNumber)
	if st.req.Aggregation {
		runID = fmt.Sprintf("%s_%s_reduce", st.req.RunID, n.Name)
	}
	return &run.RunInfo{
		Node:        n.Name,
		FlowRunID:   st.req.RunID,
		RunID:       runID,
		ParentRunID: st.lineRunID,
		Index:       st.req.LineNumber,
		Status:      run.StatusNotStarted,
		StartTime:   time.Now(),
		Aggregation: n.Aggregation,
	}
}

func (s *Scheduler) hasDefault(toolID, param string) bool {
	entry, err := s.registry.Lookup(toolID)
	if err != nil {
		return false
	}
	_, ok := entry.Default(param)
	return ok
}

func (s *Scheduler) flowOutputs(req LineRequest, mgr *dag.Manager) (map[string]any, error) {
	defs := req.Flow.LineOutputs()
	if req.Aggregation {
		defs = req.Flow.Outputs
	}
	outputs := make(map[string]any, len(defs))
	for name, def := range defs {
		if req.Aggregation {
			if !def.Reference.IsNodeReference() {
				continue
			}
			if n := req.Flow.Node(def.Reference.Name); n == nil || !n.Aggregation {
				continue
			}
		}
		v, err := mgr.Resolve(def.Reference)
		if err != nil {
			return nil, derrors.NewError(derrors.CodeUnexpected,
				fmt.Sprintf("failed to resolve flow output '%s'", name), err).WithLine(req.LineNumber)
		}
		outputs[name] = v
	}
	return outputs, nil
}

// aggregationInputs resolves, for this line, every reference an aggregation
// node makes to a line node. Values are keyed by the reference expression so
// the aggregation stage can columnize them across lines.
func (s *Scheduler) aggregationInputs(f *flow.Flow, mgr *dag.Manager) map[string]any {
	inputs := map[string]any{}
	for _, a := range flow.LineReferences(f) {
		v, err := mgr.Resolve(a)
		if err != nil {
			v = nil
		}
		inputs[a.String()] = v
	}
	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

func (s *Scheduler) finishLine(span trace.Span, result *run.LineResult, status run.Status, err error) *run.LineResult {
	info := result.RunInfo
	info.Status = status
	info.EndTime = time.Now()
	info.Error = run.NewErrorPayload(err)
	info.Output = result.Output
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("status", status.String()))
	return result
}

func attachNodes(result *run.LineResult, infos map[string]*run.RunInfo) *run.LineResult {
	for name, info := range infos {
		result.NodeRunInfos[name] = info
	}
	return result
}

func lineBudget(ctx context.Context, st *lineState) time.Duration {
	if st.req.Timeout > 0 {
		return st.req.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline).Round(time.Millisecond)
	}
	return 0
}

func (r LineRequest) node(name string) *flow.Node {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n
		}
	}
	if r.Flow != nil {
		if n := r.Flow.Node(name); n != nil {
			return n
		}
	}
	return &flow.Node{Name: name}
}

// nodesInOrder returns the nodes named by keys in declaration order.
func nodesInOrder[V any](r LineRequest, keys map[string]V) []*flow.Node {
	var nodes []*flow.Node
	all := r.Nodes
	if all == nil && r.Flow != nil {
		all = r.Flow.Nodes
	}
	for _, n := range all {
		if _, ok := keys[n.Name]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

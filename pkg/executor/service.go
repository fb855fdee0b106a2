// Package executor is the control surface of the engine: initialize a flow,
// execute lines, run aggregation and finalize.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/aggregation"
	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flow"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/run"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
	"github.com/wehubfusion/Daedalus/pkg/tool"
)

// Coordinator is the worker pool the service drives.
type Coordinator interface {
	Start(ctx context.Context) error
	SubmitRun(ctx context.Context, runID string, inputs map[string]any, lineNumber int) (*batch.Handle, error)
	Finalize(ctx context.Context) (*run.BatchResult, error)
	Shutdown(ctx context.Context) error
	Cancel()
}

// CoordinatorFactory builds a coordinator for an initialized flow.
type CoordinatorFactory func(f *flow.Flow, registry *tool.Registry, cfg batch.Config, opts ...batch.Option) (Coordinator, error)

// NewBatchCoordinator is the default CoordinatorFactory.
func NewBatchCoordinator(f *flow.Flow, registry *tool.Registry, cfg batch.Config, opts ...batch.Option) (Coordinator, error) {
	return batch.New(f, registry, cfg, opts...)
}

// SinkFactory builds the run storage for an output directory.
type SinkFactory func(ctx context.Context, outputDir string) (batch.Sink, error)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCoordinatorFactory replaces the coordinator factory.
func WithCoordinatorFactory(factory CoordinatorFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.factory = factory
		}
	}
}

// WithSinkFactory sets how run storage is created from InitRequest.OutputDir.
func WithSinkFactory(factory SinkFactory) Option {
	return func(s *Service) { s.sinkFactory = factory }
}

// WithCache enables node result reuse.
func WithCache(manager *cache.Manager, persister *cache.Persister) Option {
	return func(s *Service) {
		s.cache = manager
		s.persister = persister
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(s *Service) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithEngineConfig sets the concurrency defaults used for every session.
func WithEngineConfig(cfg *concurrency.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.engine = cfg
		}
	}
}

type session struct {
	flow  *flow.Flow
	coord Coordinator
	stage *aggregation.Stage
	sink  batch.Sink
	runID string
}

// Service serves one initialized flow at a time.
type Service struct {
	registry    *tool.Registry
	engine      *concurrency.Config
	factory     CoordinatorFactory
	sinkFactory SinkFactory
	cache       *cache.Manager
	persister   *cache.Persister
	metrics     metrics.Collector
	logger      *zap.Logger
	tracer      trace.Tracer

	mu      sync.RWMutex
	current *session
}

// NewService creates a service over a populated tool registry.
func NewService(registry *tool.Registry, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	s := &Service{
		registry: registry,
		engine:   concurrency.LoadConfig(),
		factory:  NewBatchCoordinator,
		metrics:  metrics.NoOp{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("daedalus/executor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialized reports whether a flow is loaded.
func (s *Service) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Initialize loads and validates the flow and starts the worker pool. A
// previously initialized flow is shut down first.
func (s *Service) Initialize(ctx context.Context, req InitRequest) (*InitResponse, error) {
	ctx, span := s.tracer.Start(ctx, "executor.initialize",
		trace.WithAttributes(attribute.String("flow_file", req.FlowFile)))
	defer span.End()

	f, err := flow.LoadFile(req.WorkingDir, req.FlowFile)
	if err != nil {
		if derrors.IsValidation(err) {
			return nil, err
		}
		return nil, derrors.NewError(derrors.CodeValidation, "failed to load flow", err)
	}
	if err := flow.Validate(f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = f.Name
	}

	toolIDs := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if !s.registry.Has(n.Tool) {
			return nil, derrors.Validation("node '%s' uses tool '%s' which is not registered", n.Name, n.Tool).WithNode(n.Name)
		}
		toolIDs = append(toolIDs, n.Tool)
	}

	kwargs := make(map[string]any, len(req.InitKwargs)+1)
	for k, v := range req.InitKwargs {
		kwargs[k] = v
	}
	if len(req.Connections) > 0 {
		kwargs["connections"] = req.Connections
	}
	if err := s.registry.Init(ctx, toolIDs, kwargs); err != nil {
		return nil, derrors.NewError(derrors.CodeValidation, "failed to initialize tools", err)
	}

	runID := uuid.NewString()
	cfg := batch.ConfigFrom(s.engine, runID)
	if req.WorkerCount > 0 {
		cfg.WorkerCount = req.WorkerCount
	}
	if req.LineTimeoutSec > 0 {
		cfg.LineTimeout = time.Duration(req.LineTimeoutSec) * time.Second
	}

	var sink batch.Sink
	if req.OutputDir != "" && s.sinkFactory != nil {
		if sink, err = s.sinkFactory(ctx, req.OutputDir); err != nil {
			return nil, fmt.Errorf("failed to create run storage: %w", err)
		}
	}

	opts := []batch.Option{
		batch.WithLogger(s.logger),
		batch.WithMetrics(s.metrics),
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(s.logger),
		scheduler.WithMetrics(s.metrics),
	}
	if s.cache != nil {
		opts = append(opts, batch.WithCache(s.cache, s.persister))
		schedOpts = append(schedOpts, scheduler.WithCache(s.cache, s.persister))
	}
	if sink != nil {
		opts = append(opts, batch.WithSink(sink))
		schedOpts = append(schedOpts, scheduler.WithSink(sink))
	}

	coord, err := s.factory(f, s.registry, cfg, opts...)
	if err != nil {
		closeSink(sink, s.logger)
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		closeSink(sink, s.logger)
		return nil, err
	}

	next := &session{
		flow:  f,
		coord: coord,
		stage: aggregation.NewStage(f, scheduler.New(cfg.Scheduler, s.registry, schedOpts...), s.logger),
		sink:  sink,
		runID: runID,
	}

	s.mu.Lock()
	previous := s.current
	s.current = next
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info("replacing initialized flow", zap.String("flow", previous.flow.Name))
		s.close(ctx, previous)
	}

	s.logger.Info("flow initialized",
		zap.String("flow", f.Name),
		zap.Int("nodes", len(f.Nodes)),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("line_timeout", cfg.LineTimeout),
		zap.Bool("aggregation", f.HasAggregation()))

	return &InitResponse{
		FlowInputsSchema:    f.InputsSchema(),
		HasAggregationNodes: f.HasAggregation(),
	}, nil
}

// ExecuteLine runs exactly one line. Concurrent calls are allowed and are
// never deduplicated.
func (s *Service) ExecuteLine(ctx context.Context, req ExecuteLineRequest) (*run.LineResult, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = sess.runID
	}
	h, err := sess.coord.SubmitRun(ctx, runID, req.Inputs, req.LineNumber)
	if err != nil {
		if errors.Is(err, batch.ErrClosed) {
			return nil, derrors.NewError(derrors.CodeNotInitialized, "executor is finalizing", err)
		}
		return nil, err
	}
	return h.Wait(ctx)
}

// ExecuteAggregation runs the aggregation nodes once over the given columns.
// Aggregation failures are reported on the result.
func (s *Service) ExecuteAggregation(ctx context.Context, req AggregationRequest) (*run.AggregationResult, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	runID := req.RunID
	if runID == "" {
		runID = sess.runID
	}
	return sess.stage.Run(ctx, runID, req.BatchInputs, req.AggregationInputs), nil
}

// Cancel requests cancellation of every running line.
func (s *Service) Cancel() error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.coord.Cancel()
	return nil
}

// Finalize shuts down the worker pool and flushes pending cache writes.
func (s *Service) Finalize(ctx context.Context) (*FinalizeResponse, error) {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()
	if sess == nil {
		return nil, notInitialized()
	}

	s.close(ctx, sess)
	if s.persister != nil {
		if err := s.persister.Flush(ctx); err != nil {
			s.logger.Warn("failed to flush cache writes", zap.Error(err))
		}
	}
	s.logger.Info("flow finalized", zap.String("flow", sess.flow.Name))
	return &FinalizeResponse{Status: StatusFinalized}, nil
}

func (s *Service) session() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, notInitialized()
	}
	return s.current, nil
}

func (s *Service) close(ctx context.Context, sess *session) {
	if err := sess.coord.Shutdown(ctx); err != nil {
		s.logger.Warn("failed to shut down worker pool", zap.Error(err))
	}
	closeSink(sess.sink, s.logger)
}

func closeSink(sink batch.Sink, logger *zap.Logger) {
	if closer, ok := sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close run storage", zap.Error(err))
		}
	}
}

func notInitialized() error {
	return derrors.NewError(derrors.CodeNotInitialized, "executor is not initialized, call initialize first", nil)
}

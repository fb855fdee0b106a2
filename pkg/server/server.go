// Package server exposes the executor control surface over HTTP and reports
// readiness through the standard gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/run"
)

// Executor is the control surface served over HTTP.
type Executor interface {
	Initialize(ctx context.Context, req executor.InitRequest) (*executor.InitResponse, error)
	ExecuteLine(ctx context.Context, req executor.ExecuteLineRequest) (*run.LineResult, error)
	ExecuteAggregation(ctx context.Context, req executor.AggregationRequest) (*run.AggregationResult, error)
	Finalize(ctx context.Context) (*executor.FinalizeResponse, error)
	Cancel() error
	Initialized() bool
}

// ErrorReporter receives errors that are not the caller's fault.
type ErrorReporter func(ctx context.Context, err error, tags map[string]string)

// Config holds listener settings.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ServiceName     string        `yaml:"service_name"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig listens on :8080 for HTTP and :9090 for gRPC health.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		ServiceName:     "daedalus",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithErrorReporter sets where internal errors and aggregation failures go.
func WithErrorReporter(r ErrorReporter) Option {
	return func(s *Server) { s.report = r }
}

// Server serves one executor.
type Server struct {
	cfg      Config
	exec     Executor
	router   *gin.Engine
	health   *health.Server
	gatherer prometheus.Gatherer
	report   ErrorReporter
	logger   *zap.Logger
}

// New builds the router for exec.
func New(exec Executor, cfg Config, opts ...Option) (*Server, error) {
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "daedalus"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		exec:     exec,
		health:   health.NewServer(),
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.syncHealth()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server { return s.health }

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.ServiceName))
	router.Use(s.accessLog())

	router.POST("/initialize", s.handleInitialize)
	router.POST("/execution", s.handleExecution)
	router.POST("/aggregation", s.handleAggregation)
	router.POST("/finalize", s.handleFinalize)
	router.POST("/cancel", s.handleCancel)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return router
}

// syncHealth reports SERVING while a flow is initialized.
func (s *Server) syncHealth() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.exec.Initialized() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.cfg.ServiceName, status)
}

// Serve runs the HTTP and gRPC listeners until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	var lis net.Listener
	if s.cfg.GRPCAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("grpc health server listening", zap.String("addr", s.cfg.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if s.exec.Initialized() {
			if _, err := s.exec.Finalize(shutdownCtx); err != nil {
				s.logger.Warn("failed to finalize on shutdown", zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

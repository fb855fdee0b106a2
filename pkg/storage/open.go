package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// Backend names accepted in Config.Backends.
const (
	BackendLocal    = "local"
	BackendBlob     = "blob"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects and configures run storage backends.
type Config struct {
	Backends []string `yaml:"backends"`

	BlobConnectionString string `yaml:"blob_connection_string"`
	BlobContainer        string `yaml:"blob_container"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	PostgresDSN string `yaml:"postgres_dsn"`

	// FailureThreshold and ResetTimeout configure the circuit breaker in
	// front of the backends.
	FailureThreshold int64         `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig writes to the local output directory only.
func DefaultConfig() Config {
	return Config{
		Backends:          []string{BackendLocal},
		BlobContainer:     "daedalus-runs",
		NATSSubjectPrefix: "daedalus.runs",
		FailureThreshold:  10,
		ResetTimeout:      30 * time.Second,
	}
}

// Open builds the configured backends for outputDir and wraps them in a
// GuardedStorage. Remote backends namespace records by the base name of
// outputDir.
func Open(ctx context.Context, outputDir string, cfg Config, logger *zap.Logger) (*GuardedStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []string{BackendLocal}
	}
	prefix := filepath.Base(filepath.Clean(outputDir))

	var opened MultiStorage
	fail := func(err error) (*GuardedStorage, error) {
		if cerr := opened.Close(); cerr != nil {
			logger.Warn("failed to close run storage", zap.Error(cerr))
		}
		return nil, err
	}

	for _, name := range backends {
		var (
			s   RunStorage
			err error
		)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case BackendLocal:
			s, err = NewLocalStorage(outputDir, logger)
		case BackendMemory:
			s = NewMemoryStorage()
		case BackendBlob:
			var client *BlobClient
			if client, err = NewBlobClient(cfg.BlobConnectionString, cfg.BlobContainer, logger); err == nil {
				s, err = NewBlobStorage(client, prefix, logger)
			}
		case BackendNATS:
			s, err = openNATS(ctx, cfg, prefix, logger)
		case BackendPostgres:
			s, err = openPostgres(ctx, cfg, logger)
		default:
			err = fmt.Errorf("unknown run storage backend %q", name)
		}
		if err != nil {
			return fail(fmt.Errorf("failed to open %s run storage: %w", name, err))
		}
		opened = append(opened, s)
		logger.Info("run storage opened", zap.String("backend", name), zap.String("output_dir", outputDir))
	}

	var inner RunStorage = opened
	if len(opened) == 1 {
		inner = opened[0]
	}
	breaker := concurrency.NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout)
	return NewGuardedStorage(inner, breaker, logger), nil
}

func openNATS(ctx context.Context, cfg Config, prefix string, logger *zap.Logger) (*NATSStorage, error) {
	conn, err := nats.Connect(ctx, nats.DefaultConnectionConfig(cfg.NATSURL), logger)
	if err != nil {
		return nil, err
	}
	subject := cfg.NATSSubjectPrefix
	if subject == "" {
		subject = "daedalus.runs"
	}
	return NewNATSStorage(conn, subject+"."+nats.SubjectToken(prefix), func() error { return nats.Close(conn) }, logger)
}

func openPostgres(ctx context.Context, cfg Config, logger *zap.Logger) (*PostgresStorage, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	s, err := NewPostgresStorage(pool, pool.Close, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

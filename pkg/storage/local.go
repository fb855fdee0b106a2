package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// LocalStorage writes records below a directory on the local filesystem.
// Files are written to a temporary name and renamed so readers never observe
// a partial record.
type LocalStorage struct {
	dir    string
	logger *zap.Logger
}

// NewLocalStorage creates the output directory if needed.
func NewLocalStorage(dir string, logger *zap.Logger) (*LocalStorage, error) {
	if dir == "" {
		return nil, errors.New("output directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dir, outputsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalStorage{dir: dir, logger: logger}, nil
}

// Dir returns the root directory.
func (s *LocalStorage) Dir() string { return s.dir }

// PersistNodeRun writes artifacts/<line>/<node>.json.
func (s *LocalStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	data, err := encodeNode(info)
	if err != nil {
		return err
	}
	return s.write(ctx, NodePath(info), data)
}

// PersistLineRun writes outputs/<line>.json.
func (s *LocalStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	data, err := encodeLine(result)
	if err != nil {
		return err
	}
	return s.write(ctx, LinePath(result.Index()), data)
}

func (s *LocalStorage) write(ctx context.Context, rel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}

	s.logger.Debug("record written", zap.String("path", rel), zap.Int("size_bytes", len(data)))
	return nil
}

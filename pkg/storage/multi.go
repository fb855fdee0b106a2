package storage

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/run"
)

// MultiStorage writes every record to all of its backends concurrently.
type MultiStorage []RunStorage

// PersistNodeRun writes to every backend and returns the first error.
func (m MultiStorage) PersistNodeRun(ctx context.Context, info *run.RunInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		s := s
		g.Go(func() error { return s.PersistNodeRun(ctx, info) })
	}
	return g.Wait()
}

// PersistLineRun writes to every backend and returns the first error.
func (m MultiStorage) PersistLineRun(ctx context.Context, result *run.LineResult) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		s := s
		g.Go(func() error { return s.PersistLineRun(ctx, result) })
	}
	return g.Wait()
}

// Close closes every backend that can be closed.
func (m MultiStorage) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

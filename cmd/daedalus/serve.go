package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/server"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

func newServeCmd(global *globalFlags) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the executor control surface over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, global)
			if err != nil {
				return err
			}
			defer a.close()

			if httpAddr != "" {
				a.cfg.Server.HTTPAddr = httpAddr
			}
			if grpcAddr != "" {
				a.cfg.Server.GRPCAddr = grpcAddr
			}

			srv, err := newServer(a)
			if err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default :8080)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address (default :9090)")
	return cmd
}

func newServer(a *app) (*server.Server, error) {
	opts := []executor.Option{
		executor.WithLogger(a.logger),
		executor.WithMetrics(a.metrics),
		executor.WithEngineConfig(a.engine),
		executor.WithSinkFactory(func(ctx context.Context, outputDir string) (batch.Sink, error) {
			sink, err := storage.Open(ctx, outputDir, a.cfg.Storage, a.logger)
			if err != nil {
				return nil, err
			}
			return sink, nil
		}),
	}
	if a.cache != nil {
		opts = append(opts, executor.WithCache(a.cache, a.persister))
	}
	svc, err := executor.NewService(a.registry, opts...)
	if err != nil {
		return nil, err
	}
	return server.New(svc, a.cfg.Server,
		server.WithLogger(a.logger),
		server.WithGatherer(a.gatherer),
		server.WithErrorReporter(a.reporter.Report),
	)
}

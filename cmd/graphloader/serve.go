package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/federation"
	"github.com/hanpama/graphloader/internal/federation/wire"
	"github.com/hanpama/graphloader/internal/grpctp"
	"github.com/hanpama/graphloader/internal/introspection"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/metrics"
	"github.com/hanpama/graphloader/internal/server"
)

type serveOptions struct {
	addr          string
	pretty        bool
	graphiql      bool
	introspection bool
	remotes       []string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP GraphQL gateway over the catalog subgraphs",
		Long: `Serve composes the books and reviews subgraphs into one schema and serves it
over HTTP. Subgraphs listed under federation.subgraphs in the configuration
are called over gRPC; the others run in process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = opts.addr
			}
			if cmd.Flags().Changed("pretty") {
				cfg.Server.Pretty = opts.pretty
			}
			if cmd.Flags().Changed("graphiql") {
				cfg.Server.GraphiQL = opts.graphiql
			}
			if err := addRemotes(cfg, opts.remotes); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "pretty-print JSON responses")
	cmd.Flags().BoolVar(&opts.graphiql, "graphiql", true, "serve GraphiQL to browsers")
	cmd.Flags().BoolVar(&opts.introspection, "introspection", true, "answer __schema and __type queries")
	cmd.Flags().StringArrayVar(&opts.remotes, "subgraph", nil, "call subgraph over gRPC, as name=host:port (repeatable)")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions, cmd *cobra.Command) error {
	cfg, logger := root.cfg, root.logger

	shutdown, err := setupTelemetry(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()
	collector := metrics.New()
	defer collector.Subscribe()()

	rt, err := openCatalog(ctx, root)
	if err != nil {
		return err
	}
	defer rt.close()

	clients := map[string]federation.Client{}
	var subgraphs []*federation.Subgraph
	if len(cfg.Federation.Subgraphs) > 0 {
		tp := grpctp.New(cfg.TransportOptions(logger)...)
		defer tp.Close()
		for _, sg := range cfg.Federation.Subgraphs {
			client, sub, err := remoteSubgraph(ctx, sg.Name, tp)
			if err != nil {
				return err
			}
			clients[sg.Name] = client
			subgraphs = append(subgraphs, sub)
		}
	}
	for _, name := range []string{"books", "reviews"} {
		if clients[name] != nil {
			continue
		}
		svc, err := rt.service(root, name)
		if err != nil {
			return err
		}
		clients[name] = svc
		subgraphs = append(subgraphs, svc.Subgraph())
	}

	super, err := federation.Compose(subgraphs...)
	if err != nil {
		return err
	}
	gw, err := federation.NewGateway(super, clients,
		federation.WithGatewayLogger(logger), federation.WithEntityTTL(cfg.Cache.DefaultTTL))
	if err != nil {
		return err
	}
	loaders := loader.New(rt.cache, cfg.LoaderOptions(logger)...)
	gw.Register(loaders)

	runtime, sch := gw.Runtime(), gw.Schema()
	if opts.introspection {
		w := introspection.Wrap(runtime, sch)
		runtime, sch = w.Runtime, w.Schema
	}
	exec := executor.NewExecutor(runtime, sch, executor.WithLoaders(loaders), executor.WithLogger(logger))
	h := server.New(exec, append(cfg.ServerOptions(logger), server.WithInvalidationBus(rt.bus))...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, h)
	if cfg.Telemetry.MetricsPath != "" {
		mux.Handle(cfg.Telemetry.MetricsPath, collector.Handler())
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", zap.String("addr", cfg.Server.Addr), zap.Int("subgraphs", len(subgraphs)))
	fmt.Fprintf(cmd.ErrOrStderr(), "%s GraphQL on %s%s\n", okMark("✓"), cfg.Server.Addr, cfg.Server.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// remoteSubgraph connects to a subgraph served by `graphloader subgraph` and
// parses the schema it reports.
func remoteSubgraph(ctx context.Context, name string, tp *grpctp.Transport) (*wire.Client, *federation.Subgraph, error) {
	client, err := wire.NewClient(name, tp)
	if err != nil {
		return nil, nil, err
	}
	reported, sdl, err := client.SDL(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch schema of %s: %w", name, err)
	}
	if reported != name {
		return nil, nil, fmt.Errorf("subgraph at %s reports name %q", name, reported)
	}
	sub, err := federation.ParseSubgraph(name, sdl)
	if err != nil {
		return nil, nil, err
	}
	return client, sub, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/hanpama/graphloader/internal/cache"
	"github.com/hanpama/graphloader/internal/catalog"
	"github.com/hanpama/graphloader/internal/eventbus"
	"github.com/hanpama/graphloader/internal/federation"
	"github.com/hanpama/graphloader/internal/federation/wire"
	"github.com/hanpama/graphloader/internal/invalidation"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/otel"
)

func newSubgraphCommand(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:       "subgraph <books|reviews>",
		Short:     "Serve one catalog subgraph over gRPC",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"books", "reviews"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSubgraph(ctx, root, args[0], listen, cmd)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9101", "gRPC listen address")
	return cmd
}

// catalogRuntime is the process-wide state shared by the catalog services.
type catalogRuntime struct {
	store *catalog.Store
	cache *cache.Cache
	bus   *invalidation.Bus
	close func()
}

func openCatalog(ctx context.Context, root *rootOptions) (*catalogRuntime, error) {
	cfg := root.cfg
	store, err := catalog.Open(ctx, cfg.Catalog.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Catalog.Seed {
		if err := store.Seed(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	c := cache.New(cfg.CacheOptions(root.logger)...)
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	c.StartJanitor(janitorCtx, cfg.Cache.JanitorInterval)
	bus := invalidation.New(cfg.BusOptions(root.logger)...)
	detach := invalidation.Attach(bus, c, root.logger)
	return &catalogRuntime{
		store: store,
		cache: c,
		bus:   bus,
		close: func() {
			detach()
			bus.Close()
			stopJanitor()
			_ = store.Close()
		},
	}, nil
}

// service builds the named catalog subgraph on its own loaders.
func (rt *catalogRuntime) service(root *rootOptions, name string) (*federation.Service, error) {
	l := loader.New(rt.cache, root.cfg.LoaderOptions(root.logger)...)
	opt := catalog.Options{TTL: root.cfg.Cache.DefaultTTL, Logger: root.logger}
	switch name {
	case "books":
		return catalog.NewBooks(rt.store, l, opt)
	case "reviews":
		return catalog.NewReviews(rt.store, l, opt)
	}
	return nil, fmt.Errorf("unknown subgraph %q (want books or reviews)", name)
}

func setupTelemetry(ctx context.Context, root *rootOptions) (func(context.Context) error, error) {
	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(ctx, root.cfg.Telemetry.OTLPEndpoint, root.cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	return shutdown, nil
}

func runSubgraph(ctx context.Context, root *rootOptions, name, listen string, cmd *cobra.Command) error {
	shutdown, err := setupTelemetry(ctx, root)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	rt, err := openCatalog(ctx, root)
	if err != nil {
		return err
	}
	defer rt.close()
	svc, err := rt.service(root, name)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	if _, err := wire.Register(srv, svc, wire.WithServerLogger(root.logger), wire.WithInvalidationBus(rt.bus)); err != nil {
		return err
	}
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	root.logger.Info("subgraph listening", zap.String("subgraph", name), zap.String("addr", lis.Addr().String()))
	fmt.Fprintf(cmd.ErrOrStderr(), "%s subgraph %s on %s\n", okMark("✓"), nameMark(name), lis.Addr())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

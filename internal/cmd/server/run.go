package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/flomq/internal/config"
	"github.com/rzbill/flomq/internal/runtime"
	grpcserver "github.com/rzbill/flomq/internal/server/grpc"
	httpserver "github.com/rzbill/flomq/internal/server/http"
	logpkg "github.com/rzbill/flomq/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the runtime, serves gRPC health and the HTTP admin API and blocks until ctx is
// cancelled or the process is signalled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the caller's so SIGTERM is observed
	// even when the caller did not install one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	procLogger := opts.Logger
	if procLogger == nil {
		var err error
		if procLogger, err = logpkg.ApplyConfig(&cfg.Log); err != nil {
			return err
		}
	}
	// Pebble logs through the standard library.
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	procLogger.Info("starting flomq server",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Int("workers", cfg.Workers),
		logpkg.Bool("auto_create", cfg.AllowAutoCreate),
	)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			procLogger.Error("runtime close failed", logpkg.Err(err))
		}
	}()

	gsrv := grpcserver.New(rt, procLogger)
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.GRPCAddr) })
	if cfg.HTTPAddr != "" {
		hsrv := httpserver.New(rt, procLogger)
		g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.HTTPAddr) })
	}
	err = g.Wait()
	procLogger.Info("flomq server stopped")
	return err
}

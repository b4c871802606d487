package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hubenschmidt/naas/internal/engine"
	"github.com/hubenschmidt/naas/internal/env"
	"github.com/hubenschmidt/naas/internal/metrics"
	"github.com/hubenschmidt/naas/internal/model"
	"github.com/hubenschmidt/naas/internal/trace"
	"github.com/hubenschmidt/naas/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: env.Level(cfg.logLevel)})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := model.NewStore(model.Config{
		ModelsDir:      cfg.modelsDir,
		TmpDir:         cfg.tmpDir,
		Nrnivmodl:      cfg.nrnivmodl,
		ObjectStoreURL: cfg.objectStoreURL,
		HTTPClient:     model.NewPooledHTTPClient(cfg.downloadPool, 10*time.Minute),
	})

	hub := newStatusHub()
	catalog := model.NewCatalog(store, func(entries []model.Entry) {
		metrics.CatalogSize.Set(float64(len(entries)))
		hub.broadcast()
	})
	metrics.CatalogSize.Set(float64(len(catalog.Entries())))
	if cfg.watchModels {
		if err := catalog.Watch(ctx); err != nil {
			slog.Warn("model catalog watch", "error", err)
		}
	}
	defer catalog.Close()

	var traceStore *trace.Store
	if cfg.traceDSN != "" {
		ts, err := trace.Open(ctx, cfg.traceDSN)
		if err != nil {
			slog.Error("trace store", "error", err)
			os.Exit(1)
		}
		defer ts.Close()
		traceStore = ts
		slog.Info("tracing enabled", "dialect", ts.Dialect())
	}

	pr := probes{dir: cfg.probesDir}
	srv := &http.Server{Addr: ":" + cfg.port}
	stopped := make(chan struct{})
	var stopOnce sync.Once
	stop := func(why string) {
		stopOnce.Do(func() {
			slog.Info("shutting down", "reason", why)
			pr.notReady()
			pr.notAlive()
			go func() {
				defer close(stopped)
				sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer scancel()
				srv.Shutdown(sctx)
			}()
		})
	}

	handler := ws.NewHandler(ws.HandlerConfig{
		Models: store,
		NewEngine: func(ctx context.Context, pkg *model.Package) (engine.Engine, error) {
			return engine.StartProcess(ctx, engine.ProcessConfig{
				Command: cfg.engineCmd,
				Dir:     pkg.Dir,
				Env:     os.Environ(),
			})
		},
		MaxSessions:    cfg.maxSessions,
		AllowedOrigins: cfg.allowedOrigins,
		AllowedIPs:     cfg.allowedIPs,
		TraceStore:     traceStore,
		Hooks: ws.Hooks{
			Opened: func(id string) {
				if cfg.oneShot {
					pr.notReady()
				}
			},
			Closed: func(id string, reason ws.EndReason) {
				if cfg.oneShot {
					stop("session " + string(reason))
				}
			},
			Changed: hub.broadcast,
		},
	})
	hub.handler = handler
	hub.catalog = catalog

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler:  handler,
		catalog:    catalog,
		hub:        hub,
		traceStore: traceStore,
	})
	srv.Handler = mux

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		stop(sig.String())
	}()

	pr.ready()
	pr.alive()
	slog.Info("naas starting", "addr", srv.Addr, "max_sessions", cfg.maxSessions, "one_shot", cfg.oneShot,
		"models_dir", cfg.modelsDir, "models", len(catalog.Entries()))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	<-stopped

	slog.Info("naas stopped")
}

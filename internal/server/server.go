// Package server is the composition root: it wires the backends, gateway,
// session manager, diagnostics and HTTP routes, and owns the resources
// that need an orderly shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/vsphere-runner/internal/auth"
	"github.com/sakif/vsphere-runner/internal/config"
	"github.com/sakif/vsphere-runner/internal/diag"
	"github.com/sakif/vsphere-runner/internal/executor/pool"
	"github.com/sakif/vsphere-runner/internal/executor/procrun"
	"github.com/sakif/vsphere-runner/internal/gateway"
	"github.com/sakif/vsphere-runner/internal/handler"
	"github.com/sakif/vsphere-runner/internal/history"
	"github.com/sakif/vsphere-runner/internal/middleware"
	"github.com/sakif/vsphere-runner/internal/pwsh"
	"github.com/sakif/vsphere-runner/internal/session"
)

// Server owns the HTTP listener and every resource behind it. Shutdown
// order matters: HTTP first (no new work), then sessions (live vCenter
// logouts), then the pool, then the history database.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *chi.Mux

	db       *history.DB
	pool     *pool.Pool
	sessions *session.Manager
	watcher  *pwsh.Watcher
	gateway  *gateway.Gateway
}

// New wires the full dependency graph from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	locator := pwsh.NewLocator(cfg.Interpreter.Path)
	interpreter, err := locator.Path()
	if err != nil {
		// The daemon still starts so /api/diagnostics can explain what is
		// wrong; execution requests will fail with a mechanism error.
		logger.Warn("no interpreter found at startup", slog.String("error", err.Error()))
		interpreter = "pwsh"
	}

	roots := cfg.Interpreter.ModulePaths
	if len(roots) == 0 {
		roots = pwsh.DefaultModuleRoots()
	}
	resolver, err := pwsh.NewResolver(roots, cfg.Interpreter.PinnedVersion, logger)
	if err != nil {
		return nil, fmt.Errorf("module resolver: %w", err)
	}
	watcher, err := pwsh.NewWatcher(resolver, roots, logger)
	if err != nil {
		logger.Warn("module watcher disabled", slog.String("error", err.Error()))
	}

	dialect := pwsh.PowerShell{}

	external := procrun.New(procrun.Config{
		Interpreter: interpreter,
		Dialect:     dialect,
		InheritEnv:  cfg.Execution.InheritEnv,
	}, logger)

	embedded := pool.New(pool.Config{
		Capacity:    cfg.Pool.Capacity,
		Interpreter: interpreter,
		Dialect:     dialect,
		InheritEnv:  cfg.Execution.InheritEnv,
		SmokeTest:   cfg.Pool.SmokeTest,
		PlanFn:      resolver.Plan,
	}, logger)

	db, err := history.New(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	mode, err := gateway.ParseMode(cfg.Execution.Mode)
	if err != nil {
		db.Close()
		return nil, err
	}
	gw := gateway.New(gateway.Config{
		Mode:           mode,
		DefaultTimeout: cfg.Execution.DefaultTimeout.Std(),
		MaxConcurrent:  cfg.Execution.MaxConcurrent,
	}, external, embedded, db, logger)

	sessions := session.NewManager(session.Config{
		Factory:        sessionWorkerFactory(interpreter, dialect, cfg.Execution.InheritEnv, resolver, logger),
		Dialect:        dialect,
		ConnectTimeout: cfg.Sessions.ConnectTimeout.Std(),
		CommandTimeout: cfg.Execution.DefaultTimeout.Std(),
		IdleTimeout:    cfg.Sessions.IdleTimeout.Std(),
	}, logger)

	engine := diag.NewEngine(gw, locator, resolver)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		router:   chi.NewRouter(),
		db:       db,
		pool:     embedded,
		sessions: sessions,
		watcher:  watcher,
		gateway:  gw,
	}

	if err := s.setupRoutes(locator, engine); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// sessionWorkerFactory spawns a worker and loads the automation modules
// into it, so every session starts with PowerCLI available.
func sessionWorkerFactory(interpreter string, dialect pwsh.Dialect, inheritEnv bool, resolver *pwsh.Resolver, logger *slog.Logger) session.WorkerFactory {
	return func() (session.Worker, error) {
		w, err := pool.StartWorker(pool.WorkerConfig{
			Interpreter: interpreter,
			Dialect:     dialect,
			InheritEnv:  inheritEnv,
		}, logger)
		if err != nil {
			return nil, err
		}

		base, err := resolver.Plan()
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		// Private copy: ApplyLoadOutput marks Loaded flags per worker.
		plan := &pwsh.LoadPlan{Modules: append([]pwsh.ModuleDescriptor(nil), base.Modules...)}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		stdout, _, stderr, err := w.Run(ctx, pwsh.LoadScript(plan))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("loading modules: %w", err)
		}
		if err := pwsh.ApplyLoadOutput(plan, stdout, stderr); err != nil {
			_ = w.Close()
			return nil, err
		}
		return w, nil
	}
}

func (s *Server) setupRoutes(locator *pwsh.Locator, engine *diag.Engine) error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	executeHandler := handler.NewExecuteHandler(s.gateway, s.logger)
	sessionHandler := handler.NewSessionHandler(s.sessions, s.logger)
	diagHandler := handler.NewDiagHandler(engine, s.logger)
	historyHandler := handler.NewHistoryHandler(s.db)
	backendsHandler := handler.NewBackendsHandler(s.gateway, s.pool, locator, s.cfg.Execution.Mode)

	protect := func(r chi.Router) chi.Router { return r }

	if s.cfg.Auth.JWTSecret != "" && s.cfg.Auth.APIKeyHash != "" {
		tokens, err := auth.NewTokenService(s.cfg.Auth.JWTSecret, s.cfg.Auth.TokenTTL.Std())
		if err != nil {
			return err
		}
		keys, err := auth.NewKeyVerifier(s.cfg.Auth.APIKeyHash)
		if err != nil {
			return err
		}
		tokenHandler := handler.NewTokenHandler(tokens, keys, s.logger)
		s.router.Post("/auth/token", tokenHandler.HandleToken)

		requireAuth := auth.RequireAuth(tokens)
		protect = func(r chi.Router) chi.Router {
			r.Use(requireAuth)
			return r
		}
	} else {
		s.logger.Warn("authentication disabled: auth.jwt_secret or auth.api_key_hash not configured")
	}

	s.router.Route("/api", func(r chi.Router) {
		r = protect(r)
		r.Post("/execute", executeHandler.HandleExecute)

		r.Get("/backends", backendsHandler.HandleStatus)
		r.Post("/backends/override", backendsHandler.HandleOverride)

		r.Post("/sessions", sessionHandler.HandleConnect)
		r.Get("/sessions", sessionHandler.HandleList)
		r.Get("/sessions/{id}", sessionHandler.HandleGet)
		r.Post("/sessions/{id}/execute", sessionHandler.HandleRun)
		r.Delete("/sessions/{id}", sessionHandler.HandleDisconnect)

		r.Post("/diagnostics", diagHandler.HandleCheck)
		r.Post("/repair", diagHandler.HandleRepair)

		r.Get("/history", historyHandler.HandleList)
	})

	return nil
}

// Start runs the HTTP server until SIGINT/SIGTERM, then shuts everything
// down in dependency order.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Listen.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-running scripts stream no body until done
		IdleTimeout:  60 * time.Second,
	}

	reaperStop := make(chan struct{})
	go s.reapLoop(reaperStop)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Listen.Port),
			slog.String("mode", s.cfg.Execution.Mode),
			slog.String("history", s.cfg.History.Path))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		close(reaperStop)
		s.shutdownResources()
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		close(reaperStop)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("graceful HTTP shutdown failed", slog.String("error", err.Error()))
		}
		s.shutdownResources()
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) reapLoop(stop <-chan struct{}) {
	if s.cfg.Sessions.IdleTimeout.Std() <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.sessions.Reap(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

func (s *Server) shutdownResources() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.sessions.CloseAll(ctx)
	if err := s.pool.Close(); err != nil {
		s.logger.Warn("closing pool", slog.String("error", err.Error()))
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.logger.Warn("closing module watcher", slog.String("error", err.Error()))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing history database", slog.String("error", err.Error()))
	}
}

// Package app runs a sink task behind its HTTP API and gRPC health service.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	httpapi "github.com/arkilian/sink/internal/api/http"
	"github.com/arkilian/sink/internal/config"
	"github.com/arkilian/sink/internal/logging"
	"github.com/arkilian/sink/internal/observability"
	"github.com/arkilian/sink/internal/server"
	"github.com/arkilian/sink/internal/task"
)

// ServiceName is the service reported by the gRPC health server.
const ServiceName = "arkilian.sink"

// App manages the sink service lifecycle.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	task     *task.Task
	shutdown *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration. Task options are
// passed through to the sink task.
func New(cfg *config.Config, opts ...task.Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		log:      logging.Component("app"),
		task:     task.New(cfg, opts...),
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Start starts the task, then the HTTP server and, when enabled, the gRPC
// health server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	if err := a.task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink task: %w", err)
	}
	a.shutdown.Register("task", a.task.Stop)

	if err := a.startHTTP(); err != nil {
		a.shutdown.Shutdown(ctx, "start failed")
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.shutdown.Shutdown(ctx, "start failed")
			return err
		}
	}

	a.running = true
	a.log.Info().
		Str("version", a.task.Version()).
		Str("http_addr", a.httpListener.Addr().String()).
		Bool("grpc", a.cfg.GRPC.Enabled).
		Msg("sink started")
	return nil
}

func (a *App) startHTTP() error {
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.DefaultMiddleware(),
	)

	mux := http.NewServeMux()
	mux.Handle("/v1/records", middleware(httpapi.NewRecordsHandler(a.task)))
	mux.Handle("/v1/tables/", middleware(httpapi.NewTablesHandler(a.task)))
	mux.HandleFunc("/health", a.healthHandler)

	a.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = ln

	a.shutdown.Register("http", a.httpServer.Shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	a.health = health.NewServer()
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	a.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.health)

	ln, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = ln

	a.shutdown.OnShutdownStart(a.health.Shutdown)
	a.shutdown.Register("grpc", func(ctx context.Context) error {
		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			a.grpcServer.Stop()
			return ctx.Err()
		}
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info().Str("addr", ln.Addr().String()).Msg("gRPC health server listening")
		if err := a.grpcServer.Serve(ln); err != nil {
			a.log.Error().Err(err).Msg("gRPC server error")
		}
	}()
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Service string   `json:"service"`
	Version string   `json:"version"`
	Topics  []string `json:"topics"`
	Pending int      `json:"pending"`

	Tables []observability.TableStats `json:"tables"`
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Service: ServiceName,
		Version: a.task.Version(),
		Topics:  a.task.Topics(),
		Pending: a.task.Pending(),
		Tables:  a.task.Stats(),
	}
	status := http.StatusOK
	if a.shutdown.IsShuttingDown() || !a.task.Running() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Stop shuts the servers down, then stops the task, flushing what it can.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	if err != nil {
		a.log.Error().Err(err).Msg("sink stopped with errors")
		return err
	}
	a.log.Info().Msg("sink stopped")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is done,
// then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.wg.Wait()
	return err
}

// HTTPAddr returns the address the HTTP server listens on.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the address the gRPC health server listens on.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Task returns the sink task.
func (a *App) Task() *task.Task {
	return a.task
}

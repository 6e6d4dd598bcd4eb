// Package server coordinates how the sink goes down: it stops taking
// requests, drains the ones in flight and releases the task, the servers and
// the engine in reverse order of acquisition.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arkilian/sink/internal/logging"
)

var logger = logging.Component("shutdown")

// CloseFunc releases one resource. ctx expires with the shutdown timeout;
// a closer that cannot finish its work in time should fail rather than
// block.
type CloseFunc func(ctx context.Context) error

type closer struct {
	name string
	fn   CloseFunc
}

// ShutdownManager tracks in-flight requests and the resources to release.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	inFlight     atomic.Int64
	shuttingDown atomic.Bool

	mu      sync.Mutex
	closers []closer
	onStart []func()
}

// ShutdownConfig holds the shutdown timeouts. Zero values take the defaults.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown, closers included.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests.
	// Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// Register adds a named resource. Resources are released in reverse order
// of registration, so register in the order they are acquired.
func (sm *ShutdownManager) Register(name string, fn CloseFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer{name: name, fn: fn})
}

// OnShutdownStart registers a callback run as soon as shutdown begins,
// before requests are drained. Health reporting flips here.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done or
// shutdown is started elsewhere, and shuts down in the first two cases.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown drains in-flight requests and releases every registered
// resource, each one with the time left of the shutdown timeout. Only the
// first call does anything; later calls return its result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		start := time.Now()
		logger.Info().Str("reason", reason).Int64("in_flight", sm.inFlight.Load()).Msg("shutting down")
		sm.shuttingDown.Store(true)
		close(sm.shutdownCh)

		sm.mu.Lock()
		onStart := append([]func(){}, sm.onStart...)
		closers := append([]closer{}, sm.closers...)
		sm.mu.Unlock()

		for _, fn := range onStart {
			fn()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drainInFlight(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain failed: %w", err))
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := release(shutdownCtx, closers[i]); err != nil {
				errs = append(errs, err)
			}
		}

		sm.shutdownErr = errors.Join(errs...)
		logger.Info().
			Dur("elapsed", time.Since(start)).
			Int("failed", len(errs)).
			Msg("shutdown complete")
	})
	return sm.shutdownErr
}

func release(ctx context.Context, c closer) error {
	start := time.Now()
	err := c.fn(ctx)
	ev := logger.Debug()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("resource", c.name).Dur("elapsed", time.Since(start)).Msg("released")
	if err != nil {
		return fmt.Errorf("close %s: %w", c.name, err)
	}
	return nil
}

func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-drainCtx.Done():
			if remaining := sm.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// TrackRequest counts a request in. It returns false once shutdown has
// begun; the request should then be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.shuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest counts a request out.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.shuttingDown.Load()
}

// InFlightCount returns the number of requests being served.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

type unavailableResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// ShutdownMiddleware counts requests in and out and answers new ones with a
// retryable 503 once shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(unavailableResponse{
					Error:     "sink is shutting down",
					Code:      "SHUTTING_DOWN",
					Retryable: true,
				})
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

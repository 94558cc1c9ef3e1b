package kernelutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// GracefulShutdown manages graceful shutdown of components
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		shutdownFn: make([]func() error, 0),
		timeout:    timeout,
		logger:     logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown executes all registered shutdown functions
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown",
		Int("components", len(g.shutdownFn)),
	)

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Execute shutdown functions in reverse order (LIFO), one at a time
	errChan := make(chan error, len(g.shutdownFn))
	fns := g.shutdownFn

	// Wait for all shutdown functions or timeout
	done := make(chan struct{})
	go func() {
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("Shutdown function failed",
					Int("index", i),
					Err(err),
				)
				errChan <- err
			}
		}
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("Graceful shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return errors.New("shutdown timeout")
	}
}

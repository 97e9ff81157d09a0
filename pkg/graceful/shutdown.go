package graceful

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/dca_service/pkg/logger"
)

// Shutdowner is a component stopped before the HTTP server drains
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdowner
type ShutdownFunc func(ctx context.Context) error

// Shutdown calls f
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

type closer struct {
	name  string
	close func() error
}

// ShutdownManager drains the server and stops components on SIGINT/SIGTERM.
// Components stop in registration order, then the server drains, then
// closers run in reverse registration order.
type ShutdownManager struct {
	server      *http.Server
	timeout     time.Duration
	shutdowners []Shutdowner
	closers     []closer
	logger      *logger.Logger
}

func NewShutdownManager(server *http.Server, timeout time.Duration, logger *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		server:  server,
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a component stopped before the server
func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// RegisterCloser adds a resource closed after the server has drained
func (sm *ShutdownManager) RegisterCloser(name string, fn func() error) {
	sm.closers = append(sm.closers, closer{name: name, close: fn})
}

// WaitForShutdown blocks until a termination signal or ctx is done, then shuts down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		sm.logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	sm.Shutdown()
}

// Shutdown stops every registered component within the manager timeout
func (sm *ShutdownManager) Shutdown() {
	sm.logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	for _, s := range sm.shutdowners {
		if err := s.Shutdown(ctx); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
		}
	}

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for i := len(sm.closers) - 1; i >= 0; i-- {
		c := sm.closers[i]
		if err := c.close(); err != nil {
			sm.logger.Warn("Close error", "component", c.name, "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}

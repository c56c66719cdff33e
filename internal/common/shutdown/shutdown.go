// Package shutdown runs the trust service's stop sequence: drain HTTP, stop
// background workers and wait for them, then release clients in reverse
// order of acquisition.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

type server struct {
	name string
	srv  *http.Server
}

// Manager owns the process lifecycle
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	hooks   []hook
	servers []server

	workerCtx    context.Context
	stopWorkers  context.CancelFunc
	workers      sync.WaitGroup
	fatal        chan error
	shutdownOnce sync.Once
}

// NewManager creates a Manager whose whole stop sequence is bounded by timeout
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger.With(zap.String("component", "shutdown")),
		timeout:     timeout,
		workerCtx:   ctx,
		stopWorkers: cancel,
		fatal:       make(chan error, 1),
	}
}

// Context is canceled when shutdown begins
func (m *Manager) Context() context.Context {
	return m.workerCtx
}

// OnShutdown registers a cleanup hook. Hooks run last-registered first,
// after servers have drained and workers have returned.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Go runs a background worker until shutdown cancels its context. Shutdown
// waits for every worker before running hooks, so a worker never sees a
// closed client.
func (m *Manager) Go(name string, fn func(ctx context.Context)) {
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.logger.Debug("Background worker started", zap.String("worker", name))
		fn(m.workerCtx)
		m.logger.Debug("Background worker stopped", zap.String("worker", name))
	}()
}

// Serve binds server.Addr and serves in the background. Bind errors are
// returned directly; a later serve failure wakes Wait.
func (m *Manager) Serve(name string, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, srv.Addr, err)
	}
	m.mu.Lock()
	m.servers = append(m.servers, server{name: name, srv: srv})
	m.mu.Unlock()

	m.logger.Info("Serving", zap.String("server", name), zap.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case m.fatal <- fmt.Errorf("server %s: %w", name, err):
			default:
			}
		}
	}()
	return nil
}

// Wait blocks until SIGINT, SIGTERM or a server failure, then shuts down.
// It returns the server failure, if that is what ended the process.
func (m *Manager) Wait() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cause error
	select {
	case <-ctx.Done():
		m.logger.Info("Shutdown signal received")
	case cause = <-m.fatal:
		m.logger.Error("Server failed, shutting down", zap.Error(cause))
	}
	m.Shutdown()
	return cause
}

// Shutdown drains servers, stops workers, then runs hooks. Only the first
// call does anything.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(m.shutdown)
}

func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	servers := append([]server(nil), m.servers...)
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s server) {
			defer wg.Done()
			if err := s.srv.Shutdown(ctx); err != nil {
				m.logger.Warn("Server did not drain", zap.String("server", s.name), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()

	m.stopWorkers()
	if !waitTimeout(ctx, &m.workers) {
		m.logger.Warn("Background workers still running at deadline")
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if ctx.Err() != nil {
			m.logger.Warn("Shutdown deadline reached, skipping hooks", zap.String("next", h.name), zap.Int("skipped", i+1))
			return
		}
		start := time.Now()
		if err := h.fn(ctx); err != nil {
			m.logger.Error("Shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			continue
		}
		m.logger.Info("Shutdown hook done", zap.String("hook", h.name), zap.Duration("took", time.Since(start)))
	}
	m.logger.Info("Shutdown complete")
}

func waitTimeout(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package server coordinates the lifecycle of the cohortflow listeners and
// the resources behind them: signal handling, draining in-flight uploads and
// releasing resources in reverse order of acquisition.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"
)

// Config holds configuration for a Manager.
type Config struct {
	// Timeout bounds the whole shutdown sequence.
	// Default: 60 seconds
	Timeout time.Duration

	// DrainTimeout is how long in-flight requests are waited for before
	// resources are released. Uploads of large files are the long pole.
	// Default: 30 seconds
	DrainTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		DrainTimeout: 30 * time.Second,
	}
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Manager runs listeners and tears everything down once, in LIFO order.
type Manager struct {
	cfg Config

	inFlight atomic.Int64
	draining atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
	wg      sync.WaitGroup

	once   sync.Once
	done   chan struct{}
	failed chan error
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Manager{
		cfg:    cfg,
		done:   make(chan struct{}),
		failed: make(chan error, 1),
	}
}

// Register adds a resource released on shutdown. Resources are released in
// reverse order of registration.
func (m *Manager) Register(name string, c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// ServeHTTP starts srv in the background and registers its shutdown.
func (m *Manager) ServeHTTP(name string, srv *http.Server) {
	m.Register(name, CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			// long-lived event streams do not end on their own
			return errors.Join(err, srv.Close())
		}
		return nil
	}))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Printf("server: %s listening on %s", name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// ServeGRPC starts gs on lis in the background and registers its shutdown.
func (m *Manager) ServeGRPC(name string, gs *grpc.Server, lis net.Listener) {
	m.Register(name, CloserFunc(func() error {
		gs.GracefulStop()
		return nil
	}))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Printf("server: %s listening on %s", name, lis.Addr())
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			m.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (m *Manager) fail(err error) {
	log.Printf("server: %v", err)
	select {
	case m.failed <- err:
	default:
	}
}

// Wait blocks until SIGTERM or SIGINT, ctx is cancelled, a listener fails,
// or Shutdown is called elsewhere, then shuts down.
func (m *Manager) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return m.Shutdown(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return m.Shutdown(context.Background(), "context cancelled")
	case err := <-m.failed:
		return errors.Join(err, m.Shutdown(context.Background(), "listener failed"))
	case <-m.done:
		return nil
	}
}

// Shutdown stops admitting requests, drains in-flight ones and releases
// every registered resource. Only the first call does any work.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	var errs []error
	m.once.Do(func() {
		log.Printf("server: shutting down (%s)", reason)
		m.draining.Store(true)
		close(m.done)

		ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()

		if err := m.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		m.mu.Lock()
		closers := m.closers
		m.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}

		served := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(served)
		}()
		select {
		case <-served:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("listeners still running after %v", m.cfg.Timeout))
		}
	})
	return errors.Join(errs...)
}

func (m *Manager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d in-flight requests", m.inFlight.Load())
		case <-ticker.C:
		}
	}
}

// Middleware tracks in-flight requests and refuses new ones once shutdown
// has begun.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.draining.Load() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Retry-After", "30")
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		}
		m.inFlight.Add(1)
		defer m.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// InFlight returns the number of requests currently being served.
func (m *Manager) InFlight() int64 {
	return m.inFlight.Load()
}

// Done is closed when shutdown begins.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}

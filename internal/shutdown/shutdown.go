package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/socpipe/internal/logging"
)

// Manager handles graceful shutdown of the application. Hooks run one at a
// time in reverse registration order, so components registered first (the
// ones others depend on) stop last.
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	hooks        []hook
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	errCount     int

	ctx    context.Context
	cancel context.CancelFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type hook struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration   `yaml:"timeout"`
	Logger  *logging.Logger `yaml:"-"`
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled as soon as shutdown begins. Long-running loops such
// as the watcher run under it.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// RegisterFunc registers a shutdown function to be called during shutdown
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("hook", name).Msg("Registered shutdown function")
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal is received or shutdown is
// triggered some other way
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.shutdownCh:
		// Already shutting down
		<-m.gracefulDone
	}
}

// Shutdown initiates graceful shutdown and returns when every hook finished
// or the timeout elapsed
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.cancel()
		close(m.shutdownCh)
		m.performShutdown()
	})
}

func (m *Manager) performShutdown() {
	m.mu.Lock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("hooks", len(hooks)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan int, 1)
	go func() {
		var failed int
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			if ctx.Err() != nil {
				break
			}
			if err := h.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("hook", h.name).Msg("Shutdown function failed")
				failed++
				continue
			}
			m.logger.Debug().Str("hook", h.name).Msg("Shutdown function completed")
		}
		done <- failed
	}()

	select {
	case failed := <-done:
		m.errCount = failed
		if failed > 0 {
			m.logger.Warn().
				Int("errors", failed).
				Msg("Graceful shutdown completed with errors")
		} else {
			m.logger.Info().Msg("Graceful shutdown completed successfully")
		}
	case <-ctx.Done():
		m.errCount = -1
		m.logger.Warn().
			Dur("timeout", m.timeout).
			Msg("Graceful shutdown timed out, forcing exit")
	}

	close(m.gracefulDone)
}

// Err reports how shutdown went once Done is closed: nil when every hook
// succeeded
func (m *Manager) Err() error {
	select {
	case <-m.gracefulDone:
	default:
		return nil
	}
	switch {
	case m.errCount < 0:
		return fmt.Errorf("shutdown did not complete within %v", m.timeout)
	case m.errCount > 0:
		return fmt.Errorf("%d shutdown functions failed", m.errCount)
	}
	return nil
}

// Done returns a channel that is closed when shutdown is complete
func (m *Manager) Done() <-chan struct{} {
	return m.gracefulDone
}

// ShutdownChannel returns a channel that is closed when shutdown is initiated
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// Component represents a component that can be gracefully shut down
type Component interface {
	Stop(context.Context) error
	Name() string
}

// RegisterComponent registers a component for graceful shutdown
func (m *Manager) RegisterComponent(component Component) {
	m.RegisterFunc(component.Name(), component.Stop)
}

// HandlePanic recovers from panics and initiates shutdown
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		// Re-panic to maintain normal panic behavior
		panic(r)
	}
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

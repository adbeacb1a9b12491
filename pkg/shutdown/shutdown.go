package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/spotguard/pkg/logging"
)

// Interrupter receives termination signals as method calls.
type Interrupter interface {
	Interrupt(sig os.Signal)
}

// Manager forwards SIGTERM/SIGINT to an Interrupter and runs cleanup hooks
// at exit.
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	logger        *logging.Logger

	sigChan  chan os.Signal
	stopOnce sync.Once
	done     chan struct{}
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// Signals handled by Forward.
var Signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  logger.Component("shutdown"),
		sigChan: make(chan os.Signal, 4),
		done:    make(chan struct{}),
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Forward starts delivering every SIGTERM and SIGINT to target until Stop is
// called. Every signal is delivered; deduplication is the target's job.
func (m *Manager) Forward(target Interrupter) {
	signal.Notify(m.sigChan, Signals...)
	go m.forward(target)
}

func (m *Manager) forward(target Interrupter) {
	for {
		select {
		case sig := <-m.sigChan:
			m.logger.Info("received signal", logging.Fields{"signal": sig.String()})
			target.Interrupt(sig)
		case <-m.done:
			return
		}
	}
}

// Inject delivers sig as if it came from the OS.
func (m *Manager) Inject(sig os.Signal) {
	select {
	case m.sigChan <- sig:
	default:
	}
}

// Stop detaches from OS signals and stops forwarding.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		signal.Stop(m.sigChan)
		close(m.done)
	})
}

// Shutdown executes all registered shutdown functions
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		f := m.shutdownFuncs[i]
		if err := f.fn(ctx); err != nil {
			m.logger.Warn("shutdown hook failed", logging.Fields{"hook": f.name, "error": err})
		}
	}
	m.shutdownFuncs = nil
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		return nil
	}
}

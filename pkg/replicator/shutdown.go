package replicator

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownHook is one step of the graceful shutdown sequence. Lower
// priorities run first.
type ShutdownHook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// ShutdownHandler drives graceful shutdown of a Service on OS signals.
type ShutdownHandler struct {
	service *Service
	log     *logrus.Logger
	timeout time.Duration
	signals []os.Signal

	mu       sync.Mutex
	hooks    []ShutdownHook
	shutting bool
}

// ShutdownHandlerOptions configures a ShutdownHandler.
type ShutdownHandlerOptions struct {
	Service *Service
	Logger  *logrus.Logger
	Timeout time.Duration
	Signals []os.Signal
}

// NewShutdownHandler builds a handler; the service stop is always the
// last hook to run.
func NewShutdownHandler(opts ShutdownHandlerOptions) *ShutdownHandler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Signals == nil {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
	}
	return &ShutdownHandler{
		service: opts.Service,
		log:     opts.Logger,
		timeout: opts.Timeout,
		signals: opts.Signals,
	}
}

// AddHook registers an extra shutdown step.
func (sh *ShutdownHandler) AddHook(hook ShutdownHook) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	sh.hooks = append(sh.hooks, hook)
	sort.SliceStable(sh.hooks, func(i, j int) bool {
		return sh.hooks[i].Priority < sh.hooks[j].Priority
	})
}

// Wait blocks until a signal arrives, then runs the shutdown sequence.
func (sh *ShutdownHandler) Wait() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sh.signals...)
	sig := <-ch
	signal.Stop(ch)
	sh.log.WithField("signal", sig.String()).Info("shutdown signal received")
	sh.Shutdown()
}

// Shutdown runs the hooks and stops the service once, even if called
// concurrently with a second signal.
func (sh *ShutdownHandler) Shutdown() {
	sh.mu.Lock()
	if sh.shutting {
		sh.mu.Unlock()
		return
	}
	sh.shutting = true
	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	sh.mu.Unlock()

	for _, hook := range hooks {
		ctx, cancel := context.WithTimeout(context.Background(), hook.Timeout)
		if err := hook.Fn(ctx); err != nil {
			sh.log.WithError(err).WithField("hook", hook.Name).Warn("shutdown hook failed")
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), sh.timeout)
	defer cancel()
	if err := sh.service.Stop(ctx); err != nil {
		sh.log.WithError(err).Error("service stop reported errors")
	}
}

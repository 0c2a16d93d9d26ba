package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskfeed/logging"
)

// Coordinator runs registered handlers phase by phase. Handlers in the
// same phase run concurrently.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	err      error
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for shutdown progress.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(config Config, opts ...Option) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}

	c := &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	c.logger = c.logger.WithComponent("shutdown")
	return c
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc adds a function to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every phase once. Concurrent and later calls wait for the
// first one and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			c.ShutdownWithTimeout(0)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger simulates a signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns per-handler results once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	c.result = &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		c.result.Err = err
		c.result.TotalDuration = time.Since(start)
		fields := map[string]interface{}{"duration_ms": c.result.TotalDuration.Milliseconds()}
		if err != nil {
			fields["error"] = err.Error()
			c.logger.Warn("shutdown_finished", fields)
		} else {
			c.logger.Info("shutdown_finished", fields)
		}
		return err
	}

	var failed []string
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		for _, hr := range c.runPhase(ctx, group) {
			c.result.Results = append(c.result.Results, hr)
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}
		if len(failed) > 0 && !c.config.ContinueOnError {
			return finish(&handlerError{names: failed})
		}
	}
	if len(failed) > 0 {
		return finish(&handlerError{names: failed})
	}
	return finish(nil)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		i, reg := i, reg
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":     reg.name,
				"phase":       reg.phase,
				"duration_ms": results[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler_failed", fields)
				return
			}
			c.logger.Debug("handler_stopped", fields)
		}()
	}

	wg.Wait()
	return results
}

// groupByPhase splits handlers, sorted by phase, into one group per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}

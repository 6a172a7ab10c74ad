package monitoring

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/celery-exporter/pkg/common/logger"
)

// Runner is a long-lived task that stops when its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Supervisor owns the exporter's background tasks. They share one context:
// cancelling it, or any task returning an error, stops all of them.
type Supervisor struct {
	names   []string
	runners []Runner

	logger *logger.Logger
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(logger *logger.Logger) *Supervisor {
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Add registers a named task. It must be called before Run.
func (s *Supervisor) Add(name string, r Runner) {
	s.names = append(s.names, name)
	s.runners = append(s.runners, r)
}

// Run starts every registered task and blocks until all of them returned.
// The first task error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, r := range s.runners {
		name := s.names[i]
		g.Go(func() error {
			s.logger.Debug(ctx, "Task started", "task", name)
			err := r.Run(ctx)
			if err != nil {
				s.logger.Error(ctx, "Task exited with error", "task", name, "error", err)
			} else {
				s.logger.Debug(ctx, "Task stopped", "task", name)
			}
			return err
		})
	}

	return g.Wait()
}

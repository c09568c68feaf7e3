package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type setup struct {
	name string
	run  func(ctx context.Context) error
}

// Installation collects the setups components register on a fresh install
// and runs each of them once, in registration order.
type Installation struct {
	logger *slog.Logger

	mu     sync.Mutex
	setups []setup
	done   map[string]bool
}

// NewInstallation creates an empty installation.
func NewInstallation(logger *slog.Logger) *Installation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installation{
		logger: logger.With("component", "installation"),
		done:   make(map[string]bool),
	}
}

// RegisterSetup queues run under name. A name registered again replaces the
// queued setup; a setup that already ran is not queued again.
func (i *Installation) RegisterSetup(name string, run func(ctx context.Context) error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done[name] {
		return
	}
	for idx := range i.setups {
		if i.setups[idx].name == name {
			i.setups[idx].run = run
			return
		}
	}
	i.setups = append(i.setups, setup{name: name, run: run})
}

// Pending returns the names of the setups that have not run yet.
func (i *Installation) Pending() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, len(i.setups))
	for idx, s := range i.setups {
		names[idx] = s.name
	}
	return names
}

// Run executes the queued setups. It stops at the first failure; the failed
// setup and the ones after it stay queued.
func (i *Installation) Run(ctx context.Context) error {
	for {
		i.mu.Lock()
		if len(i.setups) == 0 {
			i.mu.Unlock()
			return nil
		}
		s := i.setups[0]
		i.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		i.logger.Info("running setup", "setup", s.name)
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("setup %s: %w", s.name, err)
		}

		i.mu.Lock()
		i.setups = i.setups[1:]
		i.done[s.name] = true
		i.mu.Unlock()
	}
}

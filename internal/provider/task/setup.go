package task

import (
	"context"
	"fmt"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// DefaultTasks returns the tasks installed on a fresh node: one proxy and
// one lobby.
func DefaultTasks() []*domain.ServiceTask {
	proxy := domain.NewServiceTask("Proxy", domain.ServiceEnvironment{Name: "VELOCITY", Type: "VELOCITY"})
	proxy.Process.MaxHeapMemory = 256
	proxy.StartPort = 25565
	proxy.MinServiceCount = 1

	lobby := domain.NewServiceTask("Lobby", domain.ServiceEnvironment{Name: "PAPER", Type: "MINECRAFT_SERVER"})
	lobby.MinServiceCount = 1

	return []*domain.ServiceTask{proxy, lobby}
}

// DefaultTaskSetup returns the first-run setup of p. When install is false
// it only logs that no default tasks were created.
func DefaultTaskSetup(p *Provider, install bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !install {
			p.logger.Info("skipping default task installation")
			return nil
		}
		for _, t := range DefaultTasks() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if p.TaskPresent(t.Name) {
				continue
			}
			if _, err := p.AddTask(t); err != nil {
				return fmt.Errorf("install default task %s: %w", t.Name, err)
			}
			p.logger.Info("installed default task", "task", t.Name)
		}
		return nil
	}
}

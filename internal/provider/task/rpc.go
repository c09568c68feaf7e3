package task

import (
	"context"
	"errors"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
)

// Contract is the RPC contract name of the task provider.
const Contract = "ServiceTaskProvider"

// RegisterRPC binds p to the task provider contract.
func RegisterRPC(reg *rpc.HandlerRegistry, p *Provider) {
	rpc.Register0(reg, Contract, "serviceTasks", func(context.Context) ([]*domain.ServiceTask, error) {
		return p.Tasks(), nil
	})
	rpc.Register1(reg, Contract, "serviceTask", func(_ context.Context, name string) (*domain.ServiceTask, error) {
		t, ok := p.Task(name)
		if !ok {
			return nil, domain.ErrTaskNotFound.WithDetailsf("task %q", name)
		}
		return t, nil
	})
	rpc.Register1(reg, Contract, "serviceTaskPresent", func(_ context.Context, name string) (bool, error) {
		return p.TaskPresent(name), nil
	})
	rpc.Register1(reg, Contract, "addServiceTask", func(ctx context.Context, t *domain.ServiceTask) (bool, error) {
		logger.L(ctx).Debug("remote task add", "task", t.Name)
		return p.AddTask(t)
	})
	rpc.Register1(reg, Contract, "removeServiceTaskByName", func(ctx context.Context, name string) (bool, error) {
		logger.L(ctx).Debug("remote task remove", "task", name)
		return p.RemoveTaskByName(name)
	})
	rpc.RegisterVoid1(reg, Contract, "setServiceTasks", func(ctx context.Context, tasks []*domain.ServiceTask) error {
		logger.L(ctx).Debug("remote task replacement", "tasks", len(tasks))
		return p.SetTasks(tasks)
	})
	rpc.RegisterVoid0(reg, Contract, "reload", func(context.Context) error {
		return p.Reload()
	})
}

// RemoteProvider calls the task provider of the node behind a channel.
type RemoteProvider struct {
	sender *rpc.Sender
	ch     network.Channel
}

// NewRemoteProvider returns a client for the node at the other end of ch.
func NewRemoteProvider(e *rpc.Engine, ch network.Channel) *RemoteProvider {
	return &RemoteProvider{sender: rpc.NewSender(e, Contract), ch: ch}
}

// Tasks returns all tasks of the remote node.
func (r *RemoteProvider) Tasks(ctx context.Context) ([]*domain.ServiceTask, error) {
	return rpc.FireSync[[]*domain.ServiceTask](ctx, r.sender.Invoke("serviceTasks"), r.ch)
}

// Task returns the remote task called name.
func (r *RemoteProvider) Task(ctx context.Context, name string) (*domain.ServiceTask, bool, error) {
	t, err := rpc.FireSync[*domain.ServiceTask](ctx, r.sender.Invoke("serviceTask", rpc.Arg(name)), r.ch)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// TaskPresent reports whether the remote node has a task called name.
func (r *RemoteProvider) TaskPresent(ctx context.Context, name string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("serviceTaskPresent", rpc.Arg(name)), r.ch)
}

// AddTask adds t on the remote node, which replicates it.
func (r *RemoteProvider) AddTask(ctx context.Context, t *domain.ServiceTask) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("addServiceTask", rpc.Arg(t)), r.ch)
}

// RemoveTaskByName removes the task called name on the remote node.
func (r *RemoteProvider) RemoveTaskByName(ctx context.Context, name string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("removeServiceTaskByName", rpc.Arg(name)), r.ch)
}

// SetTasks replaces every task on the remote node.
func (r *RemoteProvider) SetTasks(ctx context.Context, tasks []*domain.ServiceTask) error {
	_, err := r.sender.Invoke("setServiceTasks", rpc.Arg(tasks)).FireSyncRaw(ctx, r.ch)
	return err
}

// Reload makes the remote node reread its task directory.
func (r *RemoteProvider) Reload(ctx context.Context) error {
	_, err := r.sender.Invoke("reload").FireSyncRaw(ctx, r.ch)
	return err
}

package task

import (
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
)

// TaskAddEvent is published before a task is added locally. Cancelling it
// aborts the add.
type TaskAddEvent struct {
	eventbus.Cancellation
	Task *domain.ServiceTask
}

// TaskRemoveEvent is published before a present task is removed locally.
// Cancelling it aborts the removal.
type TaskRemoveEvent struct {
	eventbus.Cancellation
	Task *domain.ServiceTask
}

// TaskRemovedEvent is published after a local removal was replicated.
type TaskRemovedEvent struct {
	Task *domain.ServiceTask
}

// TaskReplicatedEvent is published after a change received from another
// node was applied. Task is nil for a bulk replacement.
type TaskReplicatedEvent struct {
	Sender  string
	Message string
	Task    *domain.ServiceTask
}

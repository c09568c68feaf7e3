package task

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/iknow13/CloudNet-v3/internal/cluster/chanmsg"
	"github.com/iknow13/CloudNet-v3/internal/cluster/datasync"
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
	"github.com/iknow13/CloudNet-v3/pkg/cmap"
)

// Replication constants shared by every node.
const (
	// InternalChannel carries the task change notifications.
	InternalChannel = "cloudnet:internal"

	MessageAddTask    = "add_service_task"
	MessageRemoveTask = "remove_service_task"
	MessageSetTasks   = "set_service_tasks"

	// SyncKey is the data sync key of service tasks.
	SyncKey = "service_tasks"
)

// Installation collects setups that run once after a fresh install.
type Installation interface {
	RegisterSetup(name string, run func(ctx context.Context) error)
}

// Metrics receives the size of the task cache after every change.
type Metrics interface {
	TaskCount(n int)
}

type nopMetrics struct{}

func (nopMetrics) TaskCount(int) {}

// Options configures a Provider.
type Options struct {
	Store      *FileStore
	Serializer codec.Serializer
	Bus        *eventbus.Bus

	// Messenger replicates local changes; nil keeps them local.
	Messenger *chanmsg.Messenger

	// Sync receives the service task sync handler. May be nil.
	Sync *datasync.Registry

	// Installation receives the default task setup when the task directory
	// does not exist yet. May be nil.
	Installation Installation

	// InstallDefaults makes the default task setup add DefaultTasks.
	InstallDefaults bool

	Logger  *slog.Logger
	Metrics Metrics
}

// Provider is the replicated registry of service tasks. Every task lives in
// the cache and in its file; local changes are announced to the other nodes
// and changes received from them are applied silently.
type Provider struct {
	store     *FileStore
	ser       codec.Serializer
	bus       *eventbus.Bus
	messenger *chanmsg.Messenger
	opts      Options
	logger    *slog.Logger
	metrics   Metrics

	cache *cmap.Map[string, *domain.ServiceTask]

	// bulk serializes whole-cache replacements.
	bulk sync.Mutex
	sub  *eventbus.Subscription
}

// NewProvider creates the provider and registers its sync handler and
// message listener. Call Init to load the stored tasks.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Store == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("task store is required")
	}
	if opts.Serializer == nil {
		opts.Serializer = codec.DefaultSerializer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	p := &Provider{
		store:     opts.Store,
		ser:       opts.Serializer,
		bus:       opts.Bus,
		messenger: opts.Messenger,
		opts:      opts,
		logger:    opts.Logger.With("component", "task-provider"),
		metrics:   opts.Metrics,
		cache:     cmap.New[string, *domain.ServiceTask](),
	}

	if opts.Sync != nil {
		opts.Sync.RegisterHandler(datasync.NewHandler(SyncKey, datasync.HandlerFuncs[*domain.ServiceTask]{
			Name:    func(t *domain.ServiceTask) string { return t.Name },
			Write:   p.AddTaskSilently,
			Collect: p.Tasks,
			Current: func(t *domain.ServiceTask) (*domain.ServiceTask, bool) { return p.Task(t.Name) },
		}))
	}
	if p.messenger != nil {
		sub := p.messenger.Subscribe(InternalChannel, p.handleMessage)
		p.sub = &sub
	}
	return p, nil
}

// Init loads the stored tasks. On a fresh install the task directory is
// created and the default task setup is registered instead. Loading does not
// publish events or notify other nodes.
func (p *Provider) Init() error {
	exists, err := p.store.Exists()
	if err != nil {
		return err
	}
	if exists {
		return p.Reload()
	}

	if err := p.store.Create(); err != nil {
		return err
	}
	if p.opts.Installation != nil {
		p.opts.Installation.RegisterSetup("default-tasks", DefaultTaskSetup(p, p.opts.InstallDefaults))
	}
	p.logger.Info("created task directory", "dir", p.store.Dir())
	return nil
}

// Close detaches the message listener.
func (p *Provider) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	if p.opts.Sync != nil {
		p.opts.Sync.Unregister(SyncKey)
	}
}

// Reload clears the cache and reads the task directory again.
func (p *Provider) Reload() error {
	p.bulk.Lock()
	defer p.bulk.Unlock()

	tasks, err := p.store.Load()
	if err != nil {
		return err
	}
	p.cache.Clear()
	for _, t := range tasks {
		p.cache.Set(t.Name, t)
	}
	p.metrics.TaskCount(p.cache.Count())
	p.logger.Info("loaded service tasks", "count", len(tasks))
	return nil
}

// Task returns a copy of the task called name.
func (p *Provider) Task(name string) (*domain.ServiceTask, bool) {
	t, ok := p.cache.Get(name)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// TaskPresent reports whether a task called name exists.
func (p *Provider) TaskPresent(name string) bool {
	return p.cache.Has(name)
}

// Tasks returns copies of all tasks sorted by name.
func (p *Provider) Tasks() []*domain.ServiceTask {
	tasks := p.cache.Values()
	for i, t := range tasks {
		tasks[i] = t.Clone()
	}
	slices.SortFunc(tasks, func(a, b *domain.ServiceTask) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return tasks
}

// AddTask adds or replaces t and announces it to the other nodes. It returns
// false without any change when a TaskAddEvent subscriber cancelled it.
func (p *Provider) AddTask(t *domain.ServiceTask) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	if ev := eventbus.Publish(p.bus, TaskAddEvent{Task: t}); ev.Cancelled() {
		p.logger.Debug("task add cancelled", "task", t.Name)
		return false, nil
	}
	if err := p.AddTaskSilently(t); err != nil {
		return false, err
	}
	p.announce(MessageAddTask, t)
	return true, nil
}

// AddTaskSilently stores t in the cache and its file without events or
// replication.
func (p *Provider) AddTaskSilently(t *domain.ServiceTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t = t.Clone()

	var err error
	p.cache.Compute(t.Name, func(old *domain.ServiceTask, exists bool) (*domain.ServiceTask, bool) {
		if err = p.store.Write(t); err != nil {
			return old, exists
		}
		return t, true
	})
	if err != nil {
		return err
	}
	p.metrics.TaskCount(p.cache.Count())
	return nil
}

// RemoveTaskByName removes the task called name. See RemoveTask.
func (p *Provider) RemoveTaskByName(name string) (bool, error) {
	t, ok := p.Task(name)
	if !ok {
		return false, nil
	}
	return p.RemoveTask(t)
}

// RemoveTask removes the task with t's name and announces the removal.
// Removing an absent task does nothing. It returns whether a task was
// removed.
func (p *Provider) RemoveTask(t *domain.ServiceTask) (bool, error) {
	if t == nil || !p.TaskPresent(t.Name) {
		return false, nil
	}
	if ev := eventbus.Publish(p.bus, TaskRemoveEvent{Task: t}); ev.Cancelled() {
		p.logger.Debug("task removal cancelled", "task", t.Name)
		return false, nil
	}

	removed, err := p.RemoveTaskSilently(t.Name)
	if err != nil || !removed {
		return false, err
	}
	p.announce(MessageRemoveTask, t)
	eventbus.Publish(p.bus, TaskRemovedEvent{Task: t})
	return true, nil
}

// RemoveTaskSilently deletes the task called name from the cache and disk
// without events or replication.
func (p *Provider) RemoveTaskSilently(name string) (bool, error) {
	var (
		err     error
		removed bool
	)
	p.cache.Compute(name, func(old *domain.ServiceTask, exists bool) (*domain.ServiceTask, bool) {
		if !exists {
			return nil, false
		}
		if err = p.store.Delete(name); err != nil {
			return old, true
		}
		removed = true
		return nil, false
	})
	if err != nil {
		return false, err
	}
	p.metrics.TaskCount(p.cache.Count())
	return removed, nil
}

// SetTasks replaces every task with tasks and announces the new set.
func (p *Provider) SetTasks(tasks []*domain.ServiceTask) error {
	if err := p.SetTasksSilently(tasks); err != nil {
		return err
	}
	p.announce(MessageSetTasks, tasks)
	return nil
}

// SetTasksSilently replaces every task with tasks, rewrites their files and
// deletes the files of tasks not in the set. Files are written before the
// cache changes; when a write fails the cache keeps the previous set and no
// file is deleted.
func (p *Provider) SetTasksSilently(tasks []*domain.ServiceTask) error {
	next := make(map[string]*domain.ServiceTask, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		next[t.Name] = t.Clone()
	}

	p.bulk.Lock()
	defer p.bulk.Unlock()

	for _, t := range next {
		if err := p.store.Write(t); err != nil {
			return err
		}
	}

	p.cache.Clear()
	for name, t := range next {
		p.cache.Set(name, t)
	}
	p.metrics.TaskCount(p.cache.Count())

	return p.store.Prune(func(name string) bool {
		_, ok := next[name]
		return ok
	})
}

func (p *Provider) announce(message string, v any) {
	if p.messenger == nil {
		return
	}
	payload, err := p.ser.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode task change", "message", message, "error", err)
		return
	}
	n := p.messenger.Send(chanmsg.Message{
		Channel: InternalChannel,
		Message: message,
		Payload: payload,
	})
	p.logger.Debug("announced task change", "message", message, "nodes", n)
}

func (p *Provider) handleMessage(ev *chanmsg.ReceiveEvent) {
	msg := ev.Message
	var (
		task *domain.ServiceTask
		err  error
	)
	switch msg.Message {
	case MessageAddTask:
		if task, err = p.decodeTask(msg.Payload); err == nil {
			err = p.AddTaskSilently(task)
		}
	case MessageRemoveTask:
		if task, err = p.decodeTask(msg.Payload); err == nil {
			_, err = p.RemoveTaskSilently(task.Name)
		}
	case MessageSetTasks:
		var tasks []*domain.ServiceTask
		if err = p.ser.Unmarshal(msg.Payload, &tasks); err == nil {
			err = p.SetTasksSilently(tasks)
		}
	default:
		return
	}

	if err != nil {
		p.logger.Warn("failed to apply task change", "sender", msg.Sender, "message", msg.Message, "error", err)
		return
	}
	eventbus.Publish(p.bus, TaskReplicatedEvent{Sender: msg.Sender, Message: msg.Message, Task: task})
}

func (p *Provider) decodeTask(payload []byte) (*domain.ServiceTask, error) {
	var t domain.ServiceTask
	if err := p.ser.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

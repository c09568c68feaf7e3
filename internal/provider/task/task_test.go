package task

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/iknow13/CloudNet-v3/internal/cluster/chanmsg"
	"github.com/iknow13/CloudNet-v3/internal/cluster/datasync"
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
)

func newTask(name string) *domain.ServiceTask {
	return domain.NewServiceTask(name, domain.ServiceEnvironment{Name: "PAPER", Type: "MINECRAFT_SERVER"})
}

func newProvider(t *testing.T, dir string, mutate ...func(*Options)) (*Provider, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	opts := Options{Store: NewFileStore(dir, nil), Bus: bus}
	for _, fn := range mutate {
		fn(&opts)
	}
	p, err := NewProvider(opts)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p, bus
}

func writeTaskFile(t *testing.T, path string, task *domain.ServiceTask) {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProvider_AddTask(t *testing.T) {
	dir := t.TempDir()
	p, bus := newProvider(t, dir)

	var added atomic.Int32
	eventbus.Subscribe(bus, func(*TaskAddEvent) { added.Add(1) })

	ok, err := p.AddTask(newTask("Lobby"))
	if err != nil || !ok {
		t.Fatalf("AddTask = (%v, %v), want (true, nil)", ok, err)
	}
	if added.Load() != 1 {
		t.Errorf("TaskAddEvent published %d times, want 1", added.Load())
	}
	if !p.TaskPresent("Lobby") {
		t.Error("task missing from cache")
	}
	if !fileExists(filepath.Join(dir, "Lobby.json")) {
		t.Error("task file not written")
	}

	if _, err := p.AddTask(&domain.ServiceTask{Name: "../escape"}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("AddTask(invalid) error = %v, want ErrInvalidTask", err)
	}
}

func TestProvider_AddedTasksSurviveReload(t *testing.T) {
	dir := t.TempDir()
	p, _ := newProvider(t, dir)

	if _, err := p.AddTask(newTask(".hidden")); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("AddTask(.hidden) error = %v, want ErrInvalidTask", err)
	}
	if fileExists(filepath.Join(dir, ".hidden.json")) {
		t.Error("rejected task written to disk")
	}

	if ok, err := p.AddTask(newTask("Lobby.v2")); err != nil || !ok {
		t.Fatalf("AddTask(Lobby.v2) = (%v, %v), want (true, nil)", ok, err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !p.TaskPresent("Lobby.v2") {
		t.Error("task lost after Reload")
	}
}

func TestProvider_AddTaskCancelled(t *testing.T) {
	dir := t.TempDir()
	p, bus := newProvider(t, dir)
	eventbus.Subscribe(bus, func(ev *TaskAddEvent) { ev.Cancel() })

	ok, err := p.AddTask(newTask("Lobby"))
	if err != nil || ok {
		t.Fatalf("AddTask = (%v, %v), want (false, nil)", ok, err)
	}
	if p.TaskPresent("Lobby") || fileExists(filepath.Join(dir, "Lobby.json")) {
		t.Error("cancelled add changed the provider")
	}
}

func TestProvider_RemoveAbsentTaskIsNoop(t *testing.T) {
	dir := t.TempDir()
	p, bus := newProvider(t, dir)

	var events atomic.Int32
	eventbus.Subscribe(bus, func(*TaskRemoveEvent) { events.Add(1) })
	eventbus.Subscribe(bus, func(*TaskRemovedEvent) { events.Add(1) })

	// A foreign file with the same name must stay untouched.
	foreign := filepath.Join(dir, "Ghost.json")
	if err := os.WriteFile(foreign, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	removed, err := p.RemoveTaskByName("Ghost")
	if err != nil || removed {
		t.Errorf("RemoveTaskByName = (%v, %v), want (false, nil)", removed, err)
	}
	removed, err = p.RemoveTask(newTask("Ghost"))
	if err != nil || removed {
		t.Errorf("RemoveTask = (%v, %v), want (false, nil)", removed, err)
	}
	if events.Load() != 0 {
		t.Errorf("%d events published for an absent task", events.Load())
	}
	if !fileExists(foreign) {
		t.Error("file operation performed for an absent task")
	}
}

func TestProvider_RemoveTask(t *testing.T) {
	dir := t.TempDir()
	p, bus := newProvider(t, dir)
	if _, err := p.AddTask(newTask("Lobby")); err != nil {
		t.Fatal(err)
	}

	var order []string
	eventbus.Subscribe(bus, func(*TaskRemoveEvent) { order = append(order, "remove") })
	eventbus.Subscribe(bus, func(*TaskRemovedEvent) { order = append(order, "removed") })

	removed, err := p.RemoveTaskByName("Lobby")
	if err != nil || !removed {
		t.Fatalf("RemoveTaskByName = (%v, %v), want (true, nil)", removed, err)
	}
	if p.TaskPresent("Lobby") || fileExists(filepath.Join(dir, "Lobby.json")) {
		t.Error("task still present after removal")
	}
	if len(order) != 2 || order[0] != "remove" || order[1] != "removed" {
		t.Errorf("events = %v, want [remove removed]", order)
	}
}

func TestProvider_RemoveTaskCancelled(t *testing.T) {
	p, bus := newProvider(t, t.TempDir())
	if _, err := p.AddTask(newTask("Lobby")); err != nil {
		t.Fatal(err)
	}
	eventbus.Subscribe(bus, func(ev *TaskRemoveEvent) { ev.Cancel() })

	if removed, _ := p.RemoveTaskByName("Lobby"); removed || !p.TaskPresent("Lobby") {
		t.Error("cancelled removal removed the task")
	}
}

func TestProvider_SilentOperationsSkipEvents(t *testing.T) {
	p, bus := newProvider(t, t.TempDir())

	var events atomic.Int32
	eventbus.Subscribe(bus, func(*TaskAddEvent) { events.Add(1) })
	eventbus.Subscribe(bus, func(*TaskRemoveEvent) { events.Add(1) })

	if err := p.AddTaskSilently(newTask("Lobby")); err != nil {
		t.Fatal(err)
	}
	if removed, err := p.RemoveTaskSilently("Lobby"); err != nil || !removed {
		t.Fatalf("RemoveTaskSilently = (%v, %v)", removed, err)
	}
	if events.Load() != 0 {
		t.Errorf("silent operations published %d events", events.Load())
	}
}

func TestProvider_SetTasksDeletesUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	p, _ := newProvider(t, dir)
	for _, name := range []string{"A", "B"} {
		if _, err := p.AddTask(newTask(name)); err != nil {
			t.Fatal(err)
		}
	}

	if err := p.SetTasks([]*domain.ServiceTask{newTask("B"), newTask("C")}); err != nil {
		t.Fatalf("SetTasks failed: %v", err)
	}

	if fileExists(filepath.Join(dir, "A.json")) || p.TaskPresent("A") {
		t.Error("task A survived the replacement")
	}
	for _, name := range []string{"B", "C"} {
		if !fileExists(filepath.Join(dir, name+".json")) || !p.TaskPresent(name) {
			t.Errorf("task %s missing after the replacement", name)
		}
	}
}

func TestProvider_SetTasksWriteFailureKeepsCache(t *testing.T) {
	dir := t.TempDir()
	p, _ := newProvider(t, dir)
	if _, err := p.AddTask(newTask("A")); err != nil {
		t.Fatal(err)
	}
	// A directory in place of the task file makes the write fail.
	if err := os.Mkdir(filepath.Join(dir, "Broken.json"), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := p.SetTasksSilently([]*domain.ServiceTask{newTask("B"), newTask("Broken")}); err == nil {
		t.Fatal("SetTasksSilently succeeded with an unwritable file")
	}
	if !p.TaskPresent("A") || p.TaskPresent("Broken") {
		t.Error("cache changed by a failed replacement")
	}
	if !fileExists(filepath.Join(dir, "A.json")) {
		t.Error("file of a kept task deleted by a failed replacement")
	}
}

func TestProvider_ReloadRenamesMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, filepath.Join(dir, "wrong.json"), newTask("correct"))

	p, _ := newProvider(t, dir)
	if err := p.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if fileExists(filepath.Join(dir, "wrong.json")) {
		t.Error("wrong.json still exists")
	}
	if !fileExists(filepath.Join(dir, "correct.json")) {
		t.Error("correct.json was not created")
	}
	if !p.TaskPresent("correct") || p.TaskPresent("wrong") {
		t.Errorf("cache keys = %v, want [correct]", p.cache.Keys())
	}
}

func TestProvider_InitLoadsSilently(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, filepath.Join(dir, "Lobby.json"), newTask("Lobby"))

	p, bus := newProvider(t, dir)
	var events atomic.Int32
	eventbus.Subscribe(bus, func(*TaskAddEvent) { events.Add(1) })

	if err := p.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !p.TaskPresent("Lobby") {
		t.Error("stored task not loaded")
	}
	if events.Load() != 0 {
		t.Errorf("loading published %d events", events.Load())
	}
}

type fakeInstallation struct {
	setups map[string]func(context.Context) error
}

func (f *fakeInstallation) RegisterSetup(name string, run func(context.Context) error) {
	if f.setups == nil {
		f.setups = make(map[string]func(context.Context) error)
	}
	f.setups[name] = run
}

func TestProvider_InitFreshInstall(t *testing.T) {
	tests := []struct {
		name    string
		install bool
		want    int
	}{
		{"defaults enabled", true, len(DefaultTasks())},
		{"defaults disabled", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "tasks")
			inst := &fakeInstallation{}
			p, _ := newProvider(t, dir, func(o *Options) {
				o.Installation = inst
				o.InstallDefaults = tt.install
			})

			if err := p.Init(); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if !fileExists(dir) {
				t.Fatal("task directory not created")
			}
			setup, ok := inst.setups["default-tasks"]
			if !ok {
				t.Fatal("default task setup not registered")
			}
			if n := len(p.Tasks()); n != 0 {
				t.Fatalf("%d tasks present before the setup ran", n)
			}

			if err := setup(context.Background()); err != nil {
				t.Fatalf("setup failed: %v", err)
			}
			if n := len(p.Tasks()); n != tt.want {
				t.Errorf("tasks after setup = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestFileStore_NormalizesJavaCommand(t *testing.T) {
	dir := t.TempDir()
	task := newTask("Lobby")
	task.JavaCommand = "jdk/bin/../bin/java"
	writeTaskFile(t, filepath.Join(dir, "Lobby.json"), task)

	store := NewFileStore(dir, nil)
	tasks, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want, _ := filepath.Abs(filepath.Join("jdk", "bin", "java"))
	if len(tasks) != 1 || tasks[0].JavaCommand != want {
		t.Fatalf("java command = %q, want %q", tasks[0].JavaCommand, want)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Lobby.json"))
	if err != nil {
		t.Fatal(err)
	}
	var stored domain.ServiceTask
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.JavaCommand != want {
		t.Errorf("stored java command = %q, want %q", stored.JavaCommand, want)
	}
}

func TestFileStore_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, filepath.Join(dir, "Lobby.json"), newTask("Lobby"))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	tasks, err := NewFileStore(dir, nil).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "Lobby" {
		t.Errorf("loaded %d tasks, want only Lobby", len(tasks))
	}
}

// staticPeers resolves every node id to one channel.
type staticPeers map[string]network.Channel

func (p staticPeers) NodeIDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	return ids
}

func (p staticPeers) Channel(id string) (network.Channel, bool) {
	ch, ok := p[id]
	return ch, ok
}

func pipe(t *testing.T, local, remote *network.ListenerRegistry) (network.Channel, network.Channel) {
	t.Helper()
	a, b := net.Pipe()
	chA, err := network.NewChannel(a, false, network.Options{Registry: local})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	chB, err := network.NewChannel(b, true, network.Options{Registry: remote})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(func() {
		_ = chA.Close()
		_ = chB.Close()
	})
	return chA, chB
}

func TestProvider_ReplicatesChanges(t *testing.T) {
	regA := network.NewListenerRegistry(nil, nil)
	regB := network.NewListenerRegistry(nil, nil)
	toB, toA := pipe(t, regA, regB)

	busB := eventbus.New(nil)
	msgA := chanmsg.NewMessenger(chanmsg.Options{LocalNode: "Node-1", Peers: staticPeers{"Node-2": toB}})
	msgB := chanmsg.NewMessenger(chanmsg.Options{LocalNode: "Node-2", Peers: staticPeers{"Node-1": toA}, Bus: busB})
	msgA.Bind(regA)
	msgB.Bind(regB)

	dirB := t.TempDir()
	a, _ := newProvider(t, t.TempDir(), func(o *Options) { o.Messenger = msgA })
	b, _ := newProvider(t, dirB, func(o *Options) { o.Messenger = msgB; o.Bus = busB })

	var replicated atomic.Int32
	eventbus.Subscribe(busB, func(*TaskReplicatedEvent) { replicated.Add(1) })
	var localEvents atomic.Int32
	eventbus.Subscribe(busB, func(*TaskAddEvent) { localEvents.Add(1) })

	if _, err := a.AddTask(newTask("Lobby")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replicated add", func() bool { return b.TaskPresent("Lobby") })
	if !fileExists(filepath.Join(dirB, "Lobby.json")) {
		t.Error("replicated task not stored on the receiver")
	}

	if _, err := a.RemoveTaskByName("Lobby"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replicated removal", func() bool { return !b.TaskPresent("Lobby") })

	if err := a.SetTasks([]*domain.ServiceTask{newTask("X"), newTask("Y")}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replicated replacement", func() bool { return len(b.Tasks()) == 2 })

	waitFor(t, "replication events", func() bool { return replicated.Load() == 3 })
	if localEvents.Load() != 0 {
		t.Errorf("receiver published %d local add events", localEvents.Load())
	}
}

func TestProvider_FullSync(t *testing.T) {
	syncA := datasync.NewRegistry(datasync.Options{})
	syncB := datasync.NewRegistry(datasync.Options{})
	a, _ := newProvider(t, t.TempDir(), func(o *Options) { o.Sync = syncA })
	b, _ := newProvider(t, t.TempDir(), func(o *Options) { o.Sync = syncB })

	for _, name := range []string{"X", "Y"} {
		if _, err := a.AddTask(newTask(name)); err != nil {
			t.Fatal(err)
		}
	}

	payload, err := syncA.PrepareFullSync()
	if err != nil {
		t.Fatalf("PrepareFullSync failed: %v", err)
	}
	if err := syncB.ApplyFullSync(payload); err != nil {
		t.Fatalf("ApplyFullSync failed: %v", err)
	}

	got := b.Tasks()
	if len(got) != 2 || got[0].Name != "X" || got[1].Name != "Y" {
		t.Errorf("tasks after full sync = %d, want [X Y]", len(got))
	}
}

func TestRemoteProvider(t *testing.T) {
	regClient := network.NewListenerRegistry(nil, nil)
	regServer := network.NewListenerRegistry(nil, nil)
	toServer, _ := pipe(t, regClient, regServer)

	server, _ := newProvider(t, t.TempDir())
	serverEngine := rpc.NewEngine(rpc.Options{Timeout: 2 * time.Second})
	serverEngine.Bind(regServer)
	RegisterRPC(serverEngine.Handlers(), server)
	clientEngine := rpc.NewEngine(rpc.Options{Timeout: 2 * time.Second})
	clientEngine.Bind(regClient)
	t.Cleanup(func() {
		serverEngine.Close()
		clientEngine.Close()
	})

	remote := NewRemoteProvider(clientEngine, toServer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, ok, err := remote.Task(ctx, "Lobby"); err != nil || ok {
		t.Fatalf("Task(absent) = (%v, %v), want (false, nil)", ok, err)
	}

	if ok, err := remote.AddTask(ctx, newTask("Lobby")); err != nil || !ok {
		t.Fatalf("AddTask = (%v, %v)", ok, err)
	}
	task, ok, err := remote.Task(ctx, "Lobby")
	if err != nil || !ok || task.Name != "Lobby" {
		t.Fatalf("Task = (%v, %v, %v)", task, ok, err)
	}
	if present, err := remote.TaskPresent(ctx, "Lobby"); err != nil || !present {
		t.Errorf("TaskPresent = (%v, %v)", present, err)
	}

	if err := remote.SetTasks(ctx, []*domain.ServiceTask{newTask("A"), newTask("B")}); err != nil {
		t.Fatalf("SetTasks failed: %v", err)
	}
	tasks, err := remote.Tasks(ctx)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("Tasks = (%d, %v), want 2 tasks", len(tasks), err)
	}

	if removed, err := remote.RemoveTaskByName(ctx, "A"); err != nil || !removed {
		t.Errorf("RemoveTaskByName = (%v, %v)", removed, err)
	}
	if err := remote.Reload(ctx); err != nil {
		t.Errorf("Reload failed: %v", err)
	}
	if !server.TaskPresent("B") || server.TaskPresent("A") {
		t.Error("server state does not match the remote calls")
	}

	if _, err := remote.AddTask(ctx, &domain.ServiceTask{}); !errors.Is(err, domain.ErrInvalidTask) {
		t.Errorf("AddTask(invalid) error = %v, want ErrInvalidTask", err)
	}
}

package domain

import (
	"maps"
	"regexp"
	"slices"
)

// Service task constraints.
const (
	MaxTaskNameLength  = 128
	DefaultJavaCommand = "java"
	DefaultStartPort   = 44955
	DefaultMaxHeapMB   = 512
)

// Names starting with a dot would map to hidden files the task store skips.
var taskNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-][a-zA-Z0-9._\-]*$`)

// ServiceEnvironment names the runtime a task's processes run in, e.g.
// {Name: "PAPER", Type: "MINECRAFT_SERVER"}.
type ServiceEnvironment struct {
	Name string `json:"name"`
	Type string `json:"environmentType"`
}

// ProcessConfiguration carries the launch parameters of a task's processes.
type ProcessConfiguration struct {
	MaxHeapMemory     int               `json:"maxHeapMemorySize"`
	JVMOptions        []string          `json:"jvmOptions"`
	ProcessParameters []string          `json:"processParameters"`
	Environment       map[string]string `json:"environmentVariables"`
}

// ServiceTask is a named template describing how to configure and launch a
// category of game-server processes. Name is the unique key.
type ServiceTask struct {
	Name             string               `json:"name"`
	Runtime          string               `json:"runtime"`
	JavaCommand      string               `json:"javaCommand,omitempty"`
	Environment      ServiceEnvironment   `json:"environment"`
	Groups           []string             `json:"groups"`
	Process          ProcessConfiguration `json:"processConfiguration"`
	StartPort        int                  `json:"startPort"`
	MinServiceCount  int                  `json:"minServiceCount"`
	Maintenance      bool                 `json:"maintenance"`
	AutoDeleteOnStop bool                 `json:"autoDeleteOnStop"`
	StaticServices   bool                 `json:"staticServices"`
	Properties       map[string]string    `json:"properties,omitempty"`
}

// TaskName returns the task's unique key.
func (t *ServiceTask) TaskName() string {
	return t.Name
}

// Validate checks the fields required to persist and replicate a task.
func (t *ServiceTask) Validate() error {
	if t == nil {
		return ErrInvalidTask.WithDetails("task is nil")
	}
	if t.Name == "" {
		return ErrInvalidTask.WithDetails("name is required")
	}
	if len(t.Name) > MaxTaskNameLength {
		return ErrInvalidTask.WithDetailsf("name exceeds %d characters", MaxTaskNameLength)
	}
	if t.Name == "." || t.Name == ".." || !taskNamePattern.MatchString(t.Name) {
		return ErrInvalidTask.WithDetailsf("name %q contains invalid characters", t.Name)
	}
	if t.StartPort < 0 || t.StartPort > 65535 {
		return ErrInvalidTask.WithDetailsf("start port %d out of range", t.StartPort)
	}
	if t.MinServiceCount < 0 {
		return ErrInvalidTask.WithDetails("min service count must not be negative")
	}
	if t.Process.MaxHeapMemory < 0 {
		return ErrInvalidTask.WithDetails("max heap memory must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (t *ServiceTask) Clone() *ServiceTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Groups = slices.Clone(t.Groups)
	c.Process.JVMOptions = slices.Clone(t.Process.JVMOptions)
	c.Process.ProcessParameters = slices.Clone(t.Process.ProcessParameters)
	c.Process.Environment = maps.Clone(t.Process.Environment)
	c.Properties = maps.Clone(t.Properties)
	return &c
}

// NewServiceTask returns a task with default runtime settings.
func NewServiceTask(name string, env ServiceEnvironment) *ServiceTask {
	return &ServiceTask{
		Name:        name,
		Runtime:     "jvm",
		Environment: env,
		Groups:      []string{name},
		Process: ProcessConfiguration{
			MaxHeapMemory: DefaultMaxHeapMB,
		},
		StartPort: DefaultStartPort,
	}
}

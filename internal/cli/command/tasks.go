package command

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/iknow13/CloudNet-v3/internal/cli/output"
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/provider/task"
)

// TasksCommand returns the tasks subcommand group. It reads the task files
// directly and is meant for nodes that are not running.
func TasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect the stored service tasks",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the service tasks",
				Action: tasksList,
			},
			{
				Name:      "show",
				Usage:     "Show one service task",
				ArgsUsage: "NAME",
				Action:    tasksShow,
			},
		},
	}
}

func loadTasks(c *cli.Context) ([]*domain.ServiceTask, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	store := task.NewFileStore(cfg.TasksDir(), slog.Default())
	exists, err := store.Exists()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("task directory %s does not exist", store.Dir())
	}
	tasks, err := store.Load()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, func(a, b *domain.ServiceTask) int {
		return strings.Compare(a.Name, b.Name)
	})
	return tasks, nil
}

func tasksList(c *cli.Context) error {
	tasks, err := loadTasks(c)
	if err != nil {
		return err
	}
	return render(c, taskList(tasks))
}

func tasksShow(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return domain.ErrInvalidArgument.WithDetails("task name is required")
	}
	tasks, err := loadTasks(c)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if strings.EqualFold(t.Name, name) {
			return render(c, taskList{t})
		}
	}
	return domain.ErrTaskNotFound.WithDetailsf("task %q", name)
}

type taskList []*domain.ServiceTask

func (l taskList) Table() *output.Table {
	t := output.NewTable("NAME", "RUNTIME", "ENVIRONMENT", "MIN SERVICES", "START PORT", "GROUPS", "MAINTENANCE")
	for _, st := range l {
		t.AddRow(
			st.Name,
			st.Runtime,
			st.Environment.Name,
			strconv.Itoa(st.MinServiceCount),
			strconv.Itoa(st.StartPort),
			strings.Join(st.Groups, ","),
			strconv.FormatBool(st.Maintenance),
		)
	}
	return t
}

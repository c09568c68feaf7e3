package task

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

const fileExtension = ".json"

// FileStore keeps one JSON file per task, named after the task.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore returns a store rooted at dir. The directory is not created.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger.With("component", "task-store")}
}

// Dir returns the task directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Exists reports whether the task directory exists.
func (s *FileStore) Exists() (bool, error) {
	info, err := os.Stat(s.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("taskstore: stat %s: %w", s.dir, err)
	case !info.IsDir():
		return false, fmt.Errorf("taskstore: %s is not a directory", s.dir)
	}
	return true, nil
}

// Create creates the task directory.
func (s *FileStore) Create() error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("taskstore: create %s: %w", s.dir, err)
	}
	return nil
}

// Path returns the file of the task called name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name+fileExtension)
}

// Write stores t, replacing the previous file atomically.
func (s *FileStore) Write(t *domain.ServiceTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshal %s: %w", t.Name, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+t.Name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("taskstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("taskstore: write %s: %w", t.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("taskstore: sync %s: %w", t.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("taskstore: close %s: %w", t.Name, err)
	}
	if err := os.Rename(tmpPath, s.Path(t.Name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("taskstore: rename %s: %w", t.Name, err)
	}
	return nil
}

// Delete removes the file of the task called name. A missing file is not an
// error.
func (s *FileStore) Delete(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("taskstore: delete %s: %w", name, err)
	}
	return nil
}

// Load reads every task file. A file whose name differs from the task it
// contains is renamed to match. A custom java command is made absolute and
// the file rewritten when that changed it. Undecodable files are logged and
// skipped.
func (s *FileStore) Load() ([]*domain.ServiceTask, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.ServiceTask, 0, len(files))
	for _, file := range files {
		t, err := s.loadFile(file)
		if err != nil {
			s.logger.Error("skipping unreadable task file", "file", file, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *FileStore) loadFile(file string) (*domain.ServiceTask, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var t domain.ServiceTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if fileName := strings.TrimSuffix(filepath.Base(file), fileExtension); fileName != t.Name {
		if err := os.Rename(file, s.Path(t.Name)); err != nil {
			return nil, fmt.Errorf("taskstore: rename %s: %w", file, err)
		}
		s.logger.Info("renamed task file to match the task name", "from", fileName, "to", t.Name)
	}

	if normalized, changed := normalizeJavaCommand(t.JavaCommand); changed {
		t.JavaCommand = normalized
		if err := s.Write(&t); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Prune deletes the files of all tasks for which keep returns false.
func (s *FileStore) Prune(keep func(name string) bool) error {
	files, err := s.files()
	if err != nil {
		return err
	}
	var errs []error
	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), fileExtension)
		if keep(name) {
			continue
		}
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("taskstore: delete %s: %w", file, err))
		}
	}
	return errors.Join(errs...)
}

func (s *FileStore) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("taskstore: read %s: %w", s.dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExtension {
			continue
		}
		files = append(files, filepath.Join(s.dir, name))
	}
	return files, nil
}

// normalizeJavaCommand turns a custom java command into a clean absolute
// path so files may use forward slashes on every platform.
func normalizeJavaCommand(cmd string) (string, bool) {
	if cmd == "" || cmd == domain.DefaultJavaCommand {
		return cmd, false
	}
	abs, err := filepath.Abs(filepath.FromSlash(cmd))
	if err != nil {
		return cmd, false
	}
	return abs, abs != cmd
}

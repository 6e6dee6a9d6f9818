package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var ErrTaskNotFound = errors.New("export task not found")

type TaskState string

const (
	TaskStarted  TaskState = "started"
	TaskFinished TaskState = "finished"
	TaskFailed   TaskState = "error"
)

type TaskStatus struct {
	ID        string
	State     TaskState
	Message   string
	UpdatedAt time.Time
}

// TaskStore records the progress of background exports.
type TaskStore interface {
	Start(ctx context.Context, taskID string) error
	Finish(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, message string) error
	Status(ctx context.Context, taskID string) (TaskStatus, error)
	Clear(ctx context.Context, taskID string) error
}

var taskIDPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)

func ValidTaskID(taskID string) bool {
	return taskIDPattern.MatchString(taskID)
}

// EncodeStatus renders a status as the single line kept by file queues,
// e.g. "started" or "error: bucket missing".
func EncodeStatus(state TaskState, message string) string {
	if state == TaskFailed {
		return string(TaskFailed) + ": " + message
	}
	return string(state)
}

func DecodeStatus(raw string) (TaskState, string) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, string(TaskFailed)+":"); ok {
		return TaskFailed, strings.TrimSpace(rest)
	}
	return TaskState(raw), ""
}

// FileTaskStore keeps one directory per task holding a status file.
type FileTaskStore struct {
	root string
}

const statusFile = "status"

func NewFileTaskStore(root string) (*FileTaskStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("export queue dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create export queue dir: %w", err)
	}
	return &FileTaskStore{root: root}, nil
}

func (s *FileTaskStore) Start(ctx context.Context, taskID string) error {
	dir, err := s.taskDir(taskID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir %q: %w", taskID, err)
	}
	return s.write(ctx, taskID, EncodeStatus(TaskStarted, ""))
}

func (s *FileTaskStore) Finish(ctx context.Context, taskID string) error {
	return s.write(ctx, taskID, EncodeStatus(TaskFinished, ""))
}

func (s *FileTaskStore) Fail(ctx context.Context, taskID, message string) error {
	return s.write(ctx, taskID, EncodeStatus(TaskFailed, message))
}

func (s *FileTaskStore) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return TaskStatus{}, err
	}
	dir, err := s.taskDir(taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	path := filepath.Join(dir, statusFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TaskStatus{}, ErrTaskNotFound
		}
		return TaskStatus{}, fmt.Errorf("read task %q: %w", taskID, err)
	}
	status := TaskStatus{ID: taskID}
	status.State, status.Message = DecodeStatus(string(raw))
	if info, err := os.Stat(path); err == nil {
		status.UpdatedAt = info.ModTime().UTC()
	}
	return status, nil
}

func (s *FileTaskStore) Clear(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.taskDir(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear task %q: %w", taskID, err)
	}
	return nil
}

func (s *FileTaskStore) write(ctx context.Context, taskID, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.taskDir(taskID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrTaskNotFound
		}
		return fmt.Errorf("stat task %q: %w", taskID, err)
	}
	tmp := filepath.Join(dir, "."+statusFile)
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write task %q: %w", taskID, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, statusFile)); err != nil {
		return fmt.Errorf("write task %q: %w", taskID, err)
	}
	return nil
}

func (s *FileTaskStore) taskDir(taskID string) (string, error) {
	if !ValidTaskID(taskID) {
		return "", ErrTaskNotFound
	}
	return filepath.Join(s.root, taskID), nil
}

var _ TaskStore = (*FileTaskStore)(nil)

// Package taskstore implements the durable on-disk state for projects, tasks
// and runs: directory layout, exclusive task locking, run lifecycle, the
// append-only event log, crash recovery and garbage collection.
//
// Layout:
//
//	<root>/<project-slug>/project.json
//	<root>/<project-slug>/<task-slug>/task.json
//	<root>/<project-slug>/<task-slug>/.lock
//	<root>/<project-slug>/<task-slug>/<run-id>/{plan,execute,verify}/...
package taskstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ramarlina/agx/internal/fsio"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusBlocked TaskStatus = "blocked"
	TaskStatusFailed  TaskStatus = "failed"
)

// CloudProject links a local project to its remote queue counterpart.
type CloudProject struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// CloudTask links a local task to its remote queue counterpart.
type CloudTask struct {
	TaskID   string `json:"task_id"`
	TaskSlug string `json:"task_slug"`
}

// Project is the persisted per-project record. Projects are created on first
// task creation for a slug and never deleted by this engine.
type Project struct {
	Slug          string        `json:"slug"`
	Label         string        `json:"label"`
	RepoPath      string        `json:"repo_path,omitempty"`
	Cloud         *CloudProject `json:"cloud,omitempty"`
	DefaultEngine string        `json:"default_engine,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Task is the persisted per-task record, keyed by (project slug, task slug).
type Task struct {
	ProjectSlug string     `json:"project_slug"`
	Slug        string     `json:"slug"`
	Status      TaskStatus `json:"status"`
	Request     string     `json:"request"`
	Criteria    []string   `json:"criteria,omitempty"`
	Cloud       *CloudTask `json:"cloud,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StorageError wraps an IO failure with enough context for the caller to log
// it and decide whether to continue. The store never retries internally.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}

// Store provides access to the on-disk project/task/run state rooted at a
// single projects directory. Construct one at startup and pass it down; there
// is no package-level state.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a store rooted at root, creating the directory if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, storageErr("mkdir", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the projects root directory.
func (s *Store) Root() string { return s.root }

// ProjectDir returns the directory for a project slug.
func (s *Store) ProjectDir(projectSlug string) string {
	return filepath.Join(s.root, projectSlug)
}

// TaskDir returns the directory for a task.
func (s *Store) TaskDir(projectSlug, taskSlug string) string {
	return filepath.Join(s.root, projectSlug, taskSlug)
}

// Slugify derives a stable slug from a human label. Case folding and single
// separators map cleanly, so "My Project" and "my-project" share a slug on
// purpose. A sanitization that drops characters is ambiguous, and those
// labels get a stable hash suffix of the original so distinct labels never
// collide regardless of creation order.
func Slugify(label string) string {
	lower := strings.ToLower(strings.TrimSpace(label))

	var b strings.Builder
	prevDash := false
	lossy := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if prevDash || b.Len() == 0 {
				lossy = true
				continue
			}
			b.WriteByte('-')
			prevDash = true
		}
	}
	slug := b.String()
	if strings.HasSuffix(slug, "-") {
		slug = strings.TrimSuffix(slug, "-")
		lossy = true
	}

	if slug == "" {
		slug = "project"
	}
	if lossy {
		sum := sha256.Sum256([]byte(label))
		slug = slug + "-" + hex.EncodeToString(sum[:3])
	}

	return slug
}

// EnsureProject loads the project record for slug, creating it with the given
// label if it does not exist yet.
func (s *Store) EnsureProject(slug, label string) (*Project, error) {
	project, err := s.LoadProject(slug)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	now := time.Now().UTC()
	project = &Project{
		Slug:      slug,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveProject(project); err != nil {
		return nil, err
	}

	s.logger.Info("created project", "project", slug)
	return project, nil
}

// LoadProject reads the project record for slug.
func (s *Store) LoadProject(slug string) (*Project, error) {
	path := filepath.Join(s.ProjectDir(slug), "project.json")
	var project Project
	if err := fsio.ReadJSON(path, &project); err != nil {
		return nil, storageErr("read", path, err)
	}
	return &project, nil
}

// SaveProject writes the project record atomically.
func (s *Store) SaveProject(project *Project) error {
	project.UpdatedAt = time.Now().UTC()
	path := filepath.Join(s.ProjectDir(project.Slug), "project.json")
	if err := fsio.AtomicWriteJSON(path, project); err != nil {
		return storageErr("write", path, err)
	}
	return nil
}

// AttachCloudProject records the remote linkage on an existing project.
func (s *Store) AttachCloudProject(slug string, cloud *CloudProject) error {
	project, err := s.LoadProject(slug)
	if err != nil {
		return err
	}
	project.Cloud = cloud
	return s.SaveProject(project)
}

// EnsureTask loads the task record, creating it as queued with the given
// request text if it does not exist yet.
func (s *Store) EnsureTask(projectSlug, taskSlug, request string, criteria []string) (*Task, error) {
	task, err := s.LoadTask(projectSlug, taskSlug)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	now := time.Now().UTC()
	task = &Task{
		ProjectSlug: projectSlug,
		Slug:        taskSlug,
		Status:      TaskStatusQueued,
		Request:     request,
		Criteria:    criteria,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.SaveTask(task); err != nil {
		return nil, err
	}

	s.logger.Info("created task", "project", projectSlug, "task", taskSlug)
	return task, nil
}

// LoadTask reads the task record.
func (s *Store) LoadTask(projectSlug, taskSlug string) (*Task, error) {
	path := filepath.Join(s.TaskDir(projectSlug, taskSlug), "task.json")
	var task Task
	if err := fsio.ReadJSON(path, &task); err != nil {
		return nil, storageErr("read", path, err)
	}
	return &task, nil
}

// SaveTask writes the task record atomically. Callers must hold the task lock.
func (s *Store) SaveTask(task *Task) error {
	task.UpdatedAt = time.Now().UTC()
	path := filepath.Join(s.TaskDir(task.ProjectSlug, task.Slug), "task.json")
	if err := fsio.AtomicWriteJSON(path, task); err != nil {
		return storageErr("write", path, err)
	}
	return nil
}

// UpdateTaskStatus loads, mutates and saves the task record. Callers must
// hold the task lock.
func (s *Store) UpdateTaskStatus(projectSlug, taskSlug string, status TaskStatus) error {
	task, err := s.LoadTask(projectSlug, taskSlug)
	if err != nil {
		return err
	}
	task.Status = status
	return s.SaveTask(task)
}

// ListTaskSlugs returns the task slugs under a project, in directory order.
func (s *Store) ListTaskSlugs(projectSlug string) ([]string, error) {
	entries, err := os.ReadDir(s.ProjectDir(projectSlug))
	if err != nil {
		return nil, storageErr("readdir", s.ProjectDir(projectSlug), err)
	}

	var slugs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// A task directory is one that carries a task record.
		if _, err := os.Stat(filepath.Join(s.ProjectDir(projectSlug), e.Name(), "task.json")); err == nil {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}

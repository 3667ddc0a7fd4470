package taskstore

import (
	"os"
	"sort"
	"strings"
	"time"
)

// DefaultGCKeep is the number of most recent run directories retained per task.
const DefaultGCKeep = 25

// GCResult reports what a garbage collection pass did.
type GCResult struct {
	Deleted   int
	Preserved int
}

// GCRuns deletes a task's oldest run directories, keeping the keep most
// recently created (by run creation time). The run identified by activeRunID
// is never deleted, regardless of age. Pass keep <= 0 for the default.
func (s *Store) GCRuns(projectSlug, taskSlug string, keep int, activeRunID string) (GCResult, error) {
	if keep <= 0 {
		keep = DefaultGCKeep
	}

	taskDir := s.TaskDir(projectSlug, taskSlug)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return GCResult{}, storageErr("readdir", taskDir, err)
	}

	type runDir struct {
		id      string
		created time.Time
	}

	var dirs []runDir
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dirs = append(dirs, runDir{id: e.Name(), created: s.runCreatedAt(projectSlug, taskSlug, e.Name())})
	}

	// Newest first; everything past the keep window goes.
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].created.After(dirs[j].created)
	})

	result := GCResult{}
	for i, d := range dirs {
		if i < keep || d.id == activeRunID {
			result.Preserved++
			continue
		}
		path := s.runDir(projectSlug, taskSlug, d.id)
		if err := os.RemoveAll(path); err != nil {
			return result, storageErr("remove", path, err)
		}
		result.Deleted++
		s.logger.Debug("gc removed run", "project", projectSlug, "task", taskSlug, "run", d.id)
	}

	return result, nil
}

// GCProject runs garbage collection across every task of a project.
func (s *Store) GCProject(projectSlug string, keep int) (GCResult, error) {
	slugs, err := s.ListTaskSlugs(projectSlug)
	if err != nil {
		return GCResult{}, err
	}

	total := GCResult{}
	for _, taskSlug := range slugs {
		res, err := s.GCRuns(projectSlug, taskSlug, keep, "")
		if err != nil {
			return total, err
		}
		total.Deleted += res.Deleted
		total.Preserved += res.Preserved
	}
	return total, nil
}

// runCreatedAt reads the earliest stage creation time for a run directory.
// A run directory with no readable metadata sorts oldest, so damaged runs are
// collected first.
func (s *Store) runCreatedAt(projectSlug, taskSlug, runID string) time.Time {
	var earliest time.Time
	for _, stage := range []RunStage{StagePlan, StageExecute, StageVerify} {
		run, err := s.LoadRun(projectSlug, taskSlug, runID, stage)
		if err != nil {
			continue
		}
		if earliest.IsZero() || run.CreatedAt.Before(earliest) {
			earliest = run.CreatedAt
		}
	}
	return earliest
}

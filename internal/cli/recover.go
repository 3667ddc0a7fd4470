package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramarlina/agx/internal/taskstore"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Close out runs left dangling by a crashed process",
	Long: `Scan a task for runs that were started but never finalized and close them
out as failed, leaving a recovery note. The same pass runs automatically
whenever a task is picked up; this command exists for inspecting a crashed
task without starting a new iteration.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().String("project", "", "Project name (required)")
	recoverCmd.Flags().String("task", "", "Task name (required)")
	_ = recoverCmd.MarkFlagRequired("project")
	_ = recoverCmd.MarkFlagRequired("task")
}

func runRecover(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}

	project, _ := cmd.Flags().GetString("project")
	task, _ := cmd.Flags().GetString("task")
	projectSlug := taskstore.Slugify(project)
	taskSlug := taskstore.Slugify(task)

	lock, err := taskstore.AcquireLock(store.TaskDir(projectSlug, taskSlug))
	if err != nil {
		return fmt.Errorf("failed to lock task %s: %w", taskSlug, err)
	}
	defer lock.Release()

	dangling, err := store.FindIncompleteRuns(projectSlug, taskSlug)
	if err != nil {
		return err
	}
	for _, run := range dangling {
		if err := store.CreateRecoveryRun(run); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered run %s (%s)\n", run.ID, run.Stage)
	}
	if len(dangling) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no dangling runs")
	}
	return nil
}

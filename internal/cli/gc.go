package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ramarlina/agx/internal/taskstore"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old runs beyond the retention window",
	RunE:  runGC,
}

func init() {
	gcCmd.Flags().String("project", "", "Project to collect (required)")
	gcCmd.Flags().String("task", "", "Limit collection to one task")
	gcCmd.Flags().Int("keep", 0, "Runs to keep per task (default: configured value)")
	_ = gcCmd.MarkFlagRequired("project")
}

func runGC(cmd *cobra.Command, args []string) error {
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
	keep, _ := cmd.Flags().GetInt("keep")
	if keep <= 0 {
		keep = cfg.Loop.KeepRuns
	}
	projectSlug := taskstore.Slugify(project)

	var res taskstore.GCResult
	if task != "" {
		res, err = store.GCRuns(projectSlug, taskstore.Slugify(task), keep, "")
	} else {
		res, err = store.GCProject(projectSlug, keep)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d run(s), preserved %d\n", res.Deleted, res.Preserved)
	return nil
}

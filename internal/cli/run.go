package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramarlina/agx/internal/decision"
	"github.com/ramarlina/agx/internal/loop"
	"github.com/ramarlina/agx/internal/taskstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task in the foreground",
	Long: `Run one task through the execute/verify loop until it reaches a terminal
decision or the iteration budget is exhausted. The task is stored locally
under the projects root; no queue connection is needed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("project", "", "Project name (required)")
	runCmd.Flags().String("task", "", "Task name (required)")
	runCmd.Flags().String("request", "", "What the task should accomplish (required)")
	runCmd.Flags().StringArray("criterion", nil, "Acceptance criterion (repeatable; 'verify:' and 'require:' prefixes are recognized)")
	runCmd.Flags().String("engine", "", "Engine to use (default: configured default)")
	runCmd.Flags().String("model", "", "Model override for the engine")
	runCmd.Flags().String("repo", "", "Repository the task works in (default: current directory)")
	runCmd.Flags().Int("max-iterations", 0, "Iteration budget (default: configured value)")
	_ = runCmd.MarkFlagRequired("project")
	_ = runCmd.MarkFlagRequired("task")
	_ = runCmd.MarkFlagRequired("request")
}

func runRun(cmd *cobra.Command, args []string) error {
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
	request, _ := cmd.Flags().GetString("request")
	criteria, _ := cmd.Flags().GetStringArray("criterion")
	engineName, _ := cmd.Flags().GetString("engine")
	model, _ := cmd.Flags().GetString("model")
	repo, _ := cmd.Flags().GetString("repo")
	maxIter, _ := cmd.Flags().GetInt("max-iterations")

	if repo == "" {
		if repo, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
	}

	runner := loop.NewRunner(store, newInvoker(cfg, logger), cfg, logger)
	outcome, err := runner.RunTask(cmd.Context(), loop.TaskSpec{
		ProjectSlug:   taskstore.Slugify(project),
		ProjectLabel:  project,
		TaskSlug:      taskstore.Slugify(task),
		Request:       request,
		Criteria:      criteria,
		Engine:        engineName,
		Model:         model,
		RepoPath:      repo,
		MaxIterations: maxIter,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "decision: %s (after %d iteration(s))\n", outcome.Status, outcome.Iterations)
	fmt.Fprintf(out, "explanation: %s\n", outcome.Explanation)
	if outcome.FinalResult != "" {
		fmt.Fprintf(out, "result: %s\n", outcome.FinalResult)
	}

	if outcome.Status != decision.StatusDone {
		return fmt.Errorf("task ended %s", outcome.Status)
	}
	return nil
}

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ramarlina/agx/internal/loop"
	"github.com/ramarlina/agx/internal/queue"
	"github.com/ramarlina/agx/internal/sched"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Poll the task queue and run claimed tasks",
	Long: `Poll the remote task queue and run claimed tasks concurrently, up to the
configured worker count. SIGINT or SIGTERM stops polling and waits for
in-flight tasks to finish before exiting.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("repo", "", "Repository tasks work in (default: current directory)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if cfg.Queue.Token == "" {
		return fmt.Errorf("queue token is required for daemon mode (set queue.token or AGX_QUEUE_TOKEN)")
	}
	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}

	repo, _ := cmd.Flags().GetString("repo")
	if repo == "" {
		if repo, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
	}

	client := queue.NewClient(cfg.Queue.BaseURL, cfg.Queue.Token, logger)
	runner := loop.NewRunner(store, newInvoker(cfg, logger), cfg, logger,
		loop.WithReporter(client),
		loop.WithCancelSource(client),
	)
	scheduler := sched.New(client, runner, cfg.Daemon, repo, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("daemon starting",
		"queue", cfg.Queue.BaseURL,
		"workers", cfg.Daemon.Workers,
		"projects_root", cfg.ProjectsRoot)

	return scheduler.Run(ctx)
}

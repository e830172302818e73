package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesm/ewsync/internal/backup"
	"github.com/wesm/ewsync/internal/logging"
	"github.com/wesm/ewsync/internal/metrics"
)

// projectPlaceholder in a load command is replaced by the project
// path; without it the path is appended.
const projectPlaceholder = "$PROJECT"

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <project.ewp>",
		Short: "Run the load command on a project and remove the backups it leaves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, args[0])
		},
	}
}

func runLoad(cmd *cobra.Command, project string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.LoadCommand) == 0 {
		return errors.New(
			"no load command configured (set iar-build.loadCommand or EWSYNC_LOAD_COMMAND)",
		)
	}
	project, err = filepath.Abs(project)
	if err != nil {
		return err
	}
	if _, err := os.Stat(project); err != nil {
		return fmt.Errorf("project: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	guard := backup.NewGuard(
		backup.WithLogger(logging.Component(log, "backup")),
		backup.WithMetrics(metrics.New()),
	)
	argv := expandLoadCommand(cfg.LoadCommand, project)
	log.Info().Strs("argv", argv).Msg("loading project")

	err = backup.RunContext(ctx, guard, project, func(ctx context.Context) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Dir = filepath.Dir(project)
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		return c.Run()
	})
	// The process is about to exit; let the cleanup finish.
	guard.Wait()
	if err != nil {
		return fmt.Errorf("load command: %w", err)
	}
	return nil
}

func expandLoadCommand(args []string, project string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if strings.Contains(a, projectPlaceholder) {
			a = strings.ReplaceAll(a, projectPlaceholder, project)
			replaced = true
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, project)
	}
	return out
}

package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/metrics"
	"github.com/wesm/ewsync/internal/model"
	"github.com/wesm/ewsync/internal/session"
)

type watchOptions struct {
	workspace     string
	project       string
	configuration string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the tree and print model changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "Select this workspace by name")
	cmd.Flags().StringVar(&opts.project, "project", "", "Select this project by name")
	cmd.Flags().StringVar(&opts.configuration, "config", "", "Select this configuration by name")
	return cmd
}

func runWatch(cmd *cobra.Command, opts watchOptions) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	startMetrics(ctx, cfg.MetricsAddr, m, log)

	out := cmd.OutOrStdout()
	s, err := session.Open(session.Options{
		Config:  cfg,
		Logger:  log,
		Metrics: m,
		OnWarning: func(msg string) {
			fmt.Fprintf(out, "warning: %s\n", msg)
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	var missing []string
	err = s.Do(func(c *model.Cascade) {
		printModels(out, c)
		watchModels(out, c)
		if opts.workspace != "" && !model.SelectByName(c.Workspaces, opts.workspace) {
			missing = append(missing, "workspace "+opts.workspace)
		}
		if opts.project != "" && !model.SelectByName(c.Projects, opts.project) {
			missing = append(missing, "project "+opts.project)
		}
		if opts.configuration != "" && !model.SelectByName(c.Configurations, opts.configuration) {
			missing = append(missing, "configuration "+opts.configuration)
		}
	})
	if err != nil {
		return err
	}
	for _, what := range missing {
		log.Warn().Msgf("%s not found", what)
	}

	<-ctx.Done()
	return s.Close()
}

// watchModels prints every list and selection change. Handlers run
// on the session loop.
func watchModels(out io.Writer, c *model.Cascade) {
	c.Toolchains.AddOnInvalidateHandler(func() {
		printList(out, "toolchains", c.Toolchains)
	})
	c.Toolchains.AddOnSelectedHandler(func() {
		printSelected(out, "toolchain", c.Toolchains)
	})
	c.Workspaces.AddOnInvalidateHandler(func() {
		printList(out, "workspaces", c.Workspaces)
	})
	c.Workspaces.AddOnSelectedHandler(func() {
		printSelected(out, "workspace", c.Workspaces)
	})
	c.Projects.AddOnInvalidateHandler(func() {
		printList(out, "projects", c.Projects)
	})
	c.Projects.AddOnSelectedHandler(func() {
		printSelected(out, "project", c.Projects)
	})
	c.Configurations.AddOnInvalidateHandler(func() {
		printList(out, "configurations", c.Configurations)
	})
	c.Configurations.AddOnSelectedHandler(func() {
		printSelected(out, "configuration", c.Configurations)
	})
}

func printModels(out io.Writer, c *model.Cascade) {
	printList(out, "toolchains", c.Toolchains)
	printSelected(out, "toolchain", c.Toolchains)
	printList(out, "workspaces", c.Workspaces)
	printList(out, "projects", c.Projects)
}

func printList[T entity.Entity](out io.Writer, label string, m *model.ListModel[T]) {
	names := make([]string, 0, m.Len())
	for _, it := range m.Items() {
		names = append(names, it.DisplayName())
	}
	fmt.Fprintf(out, "%s: [%s]\n", label, strings.Join(names, ", "))
}

func printSelected[T entity.Entity](out io.Writer, label string, m *model.ListModel[T]) {
	if it, ok := m.Selected(); ok {
		fmt.Fprintf(out, "selected %s: %s\n", label, it.DisplayName())
		return
	}
	fmt.Fprintf(out, "selected %s: (none)\n", label)
}

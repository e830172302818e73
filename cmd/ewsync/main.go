package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wesm/ewsync/internal/config"
	"github.com/wesm/ewsync/internal/logging"
	"github.com/wesm/ewsync/internal/metrics"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ewsync",
		Short: "Keep workspace, project and toolchain state in sync with disk",
		Long: `ewsync watches a directory tree for IAR Embedded Workbench workspace
(.eww) and project (.ewp) files, keeps an in-memory picture of them and of
the installed toolchains, and removes the backup copies the tools leave
behind when a project is loaded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newWatchCmd(),
		newLoadCmd(),
		newToolchainsCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ewsync %s (commit %s, built %s)\n",
				version, commit, buildDate)
		},
	}
}

// loadConfig layers config for cmd and builds its logger.
func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}
	log, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// startMetrics serves m on addr until ctx is done. An empty addr
// disables it.
func startMetrics(
	ctx context.Context, addr string,
	m *metrics.Metrics, log zerolog.Logger,
) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), metricsShutdownTimeout,
		)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/ewsync/internal/entity"
	"github.com/wesm/ewsync/internal/model"
)

func newToolchainsCmd() *cobra.Command {
	var use string
	cmd := &cobra.Command{
		Use:   "toolchains",
		Short: "List installed toolchains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			found := entity.DiscoverToolchains(cfg.ToolchainPaths)
			log.Debug().Strs("paths", cfg.ToolchainPaths).Int("found", len(found)).
				Msg("toolchain discovery")

			if use != "" {
				tc := findToolchain(found, use)
				if tc == nil {
					return fmt.Errorf("no toolchain named or installed at %q", use)
				}
				if err := cfg.SavePreferredToolchain(tc.Path); err != nil {
					return err
				}
			}

			c := model.NewCascade()
			c.Toolchains.Set(found...)
			c.PreferToolchain(cfg.PreferredToolchain)
			printToolchains(cmd.OutOrStdout(), c.Toolchains)
			return nil
		},
	}
	cmd.Flags().StringVar(&use, "use", "", "Save this toolchain (name or path) as preferred")
	return cmd
}

func findToolchain(tcs []*entity.Toolchain, nameOrPath string) *entity.Toolchain {
	for _, tc := range tcs {
		if tc.Path == nameOrPath || tc.Name == nameOrPath {
			return tc
		}
	}
	return nil
}

func printToolchains(out io.Writer, m *model.ListModel[*entity.Toolchain]) {
	if m.Len() == 0 {
		fmt.Fprintln(out, "no toolchains found")
		return
	}
	sel, _ := m.SelectedIndex()
	for i, tc := range m.Items() {
		mark := " "
		if i == sel {
			mark = "*"
		}
		version := tc.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(out, "%s %-24s %-10s %-16s %s\n",
			mark, tc.Name, version, strings.Join(tc.Targets, ","), tc.Path)
	}
}

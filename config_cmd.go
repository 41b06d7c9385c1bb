package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rss-kobo/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return config.RenderEffective(resolvedCfg, os.Stdout)
		},
	})

	return cmd
}

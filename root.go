package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/rss-kobo/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rss-kobo",
		Short:   "Deliver RSS digests to a Kobo e-reader through Dropbox",
		Long:    "Uploads a generated EPUB digest into each user's Kobo Dropbox folder, keeping per-user OAuth tokens encrypted on disk.",
		Version: version,
		// Errors are printed by main with a remedy and exit code.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors and suppress status output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig loads .env files, resolves the four-layer configuration and
// stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass upload flags to the resolver if the user explicitly set them.
	if cmd.Flags().Changed("chunk-size") {
		v, _ := cmd.Flags().GetString("chunk-size")
		cli.ChunkSize = &v
	}

	if cmd.Flags().Changed("target") {
		v, _ := cmd.Flags().GetString("target")
		cli.TargetName = &v
	}

	// Earlier files win: the working directory first, then the config
	// directory. Neither overrides the real environment.
	dotEnvDirs := []string{"."}
	if p := config.ConfigPath(config.ReadEnvOverrides(), cli); p != "" {
		dotEnvDirs = append(dotEnvDirs, filepath.Dir(p))
	}

	if _, err := config.LoadDotEnv(bootstrapLogger(), dotEnvDirs...); err != nil {
		return err
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// bootstrapLogger is used before configuration is available. It only shows
// warnings unless --verbose is set.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates the logger for a command. Config-file level is the
// baseline; --verbose and --quiet override it.
func buildLogger() *slog.Logger {
	return newLogger(os.Stderr, resolvedCfg, flagVerbose, flagQuiet)
}

func newLogger(w io.Writer, cfg *config.Resolved, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if verbose {
		level = slog.LevelDebug
	}

	if quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	fd := f.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// statusf prints a status message to stderr unless --quiet is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

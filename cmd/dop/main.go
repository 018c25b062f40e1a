// Command dop builds, resolves, and publishes dopamine.lua recipes: the
// client half of the system spec §2 describes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/buildinfo"
	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/log"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool
	chdirFlag   string
)

// globalCtx is canceled on the first SIGINT/SIGTERM; main consults it
// after Execute returns to exit with ExitCancelled, and a second signal
// forces an immediate exit. Commands do not receive it as their context.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "dop",
	Short: "A source-based package manager driven by Lua recipes",
	Long: `dop builds packages from dopamine.lua recipe scripts: it resolves a
dependency graph, builds and stages each node in topological order, and
publishes finished recipe archives to a registry.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "show debug output")
	rootCmd.PersistentFlags().StringVarP(&chdirFlag, "chdir", "C", "", "run as if started in DIR")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger()
		if chdirFlag != "" {
			if err := os.Chdir(chdirFlag); err != nil {
				return fmt.Errorf("dop: -C %s: %w", chdirFlag, err)
			}
		}
		return nil
	}

	rootCmd.Version = buildinfo.Version()

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(optionsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sourceCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(revisionCmd)
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nreceived %s, canceling\n", sig)
		globalCancel()

		<-sigChan
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(ExitCancelled)
	}()

	if err := rootCmd.Execute(); err != nil {
		if globalCtx.Err() == context.Canceled {
			os.Exit(ExitCancelled)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// initLogger builds the CLI's slog-backed logger. internal/log exposes
// only log.New(slog.Handler); the handler itself is built here the same
// way cmd/dop-registryd's does, just with the level this process's flags
// and environment variables select.
func initLogger() {
	level := determineLogLevel()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := log.New(handler)
	log.SetDefault(logger)

	if level == slog.LevelDebug {
		fmt.Fprintln(os.Stderr, "[DEBUG MODE] output may contain file paths and URLs")
	}
}

// determineLogLevel applies flags > environment variables > default (WARN).
func determineLogLevel() slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	if verboseFlag {
		return slog.LevelInfo
	}
	if quietFlag {
		return slog.LevelError
	}

	if isTruthy(os.Getenv("DOP_DEBUG")) {
		return slog.LevelDebug
	}
	if isTruthy(os.Getenv("DOP_VERBOSE")) {
		return slog.LevelInfo
	}
	if isTruthy(os.Getenv("DOP_QUIET")) {
		return slog.LevelError
	}
	return slog.LevelWarn
}

func isTruthy(s string) bool {
	s = strings.ToLower(s)
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// clientConfig resolves the client's on-disk layout and ensures its
// directories exist, the first thing every subcommand needs.
func clientConfig() (*config.Config, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("dop: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("dop: %w", err)
	}
	return cfg, nil
}

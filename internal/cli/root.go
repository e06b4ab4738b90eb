// Package cli provides the command-line interface for vmlab.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "vmlab",
	Short: "vmlab - disposable VirtualBox machines for test runs",
	Long: `vmlab provisions VirtualBox machines for automated test runs.

Each machine gets a private range of host ports, is driven through
VBoxManage and is reached over SSH, SFTP or SMB once it is up. Stopped
machines can be published as read-only images that later machines boot
from through differencing disks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		if err := config.Load(); err != nil {
			return err
		}
		return setupLogging(config.Global.LogLevel, logFormat)
	},
}

var logFormat string

// quietMode suppresses progress output.
var quietMode bool

// SetQuietMode enables or disables quiet mode (minimal output).
func SetQuietMode(quiet bool) {
	quietMode = quiet
}

// printIfNotQuiet prints only when not in quiet mode.
func printIfNotQuiet(format string, args ...any) {
	if !quietMode {
		fmt.Printf(format, args...)
	}
}

func setupLogging(level, format string) error {
	if err := log.SetLevel(level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	switch format {
	case "", "text":
		return log.SetFormat(log.TextFormat)
	case "json":
		return log.SetFormat(log.JSONFormat)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
}

// ExitStatus is returned by commands that pass on the exit code of a
// guest command whose output was already shown.
type ExitStatus struct {
	Code int
}

func (e *ExitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so that held slots and machines are released.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	writeMetrics(ctx)
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// writeMetrics exports the collectors of this run, failed or not.
func writeMetrics(ctx context.Context) {
	if config.Global == nil {
		return
	}
	if err := metrics.WriteTextfile(config.Global.Metrics.Textfile); err != nil {
		log.G(ctx).WithError(err).Warn("failed to write metrics")
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	flags.BoolVarP(&quietMode, "quiet", "q", false, "print only results")
	config.Viper.BindPFlag("log_level", flags.Lookup("log-level"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(slotCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(configCmd)
}

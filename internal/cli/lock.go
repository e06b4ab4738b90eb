package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/pkg/filelock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Take exclusive file locks",
	Long: `Take an exclusive advisory lock on a file, the same kind vmlab uses for
slots and hypervisor users.

With a command after --, the command runs while the lock is held and its
exit status is passed on. Without one, the lock is held until interrupted.`,
}

var lockTryCmd = &cobra.Command{
	Use:   "try PATH [-- COMMAND...]",
	Short: "Lock a file or fail at once",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLockTry,
}

var lockWaitCmd = &cobra.Command{
	Use:   "wait PATH [-- COMMAND...]",
	Short: "Lock a file, waiting for other holders",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLockWait,
}

var lockWaitTimeout time.Duration

func init() {
	lockWaitCmd.Flags().DurationVar(&lockWaitTimeout, "timeout", time.Minute, "how long to wait for the lock")

	lockCmd.AddCommand(lockTryCmd)
	lockCmd.AddCommand(lockWaitCmd)
}

func runLockTry(cmd *cobra.Command, args []string) error {
	h, err := filelock.TryLocked(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer h.Close()
	return holdLock(cmd.Context(), h, args[1:])
}

func runLockWait(cmd *cobra.Command, args []string) error {
	start := time.Now()
	h, err := filelock.WaitLockedExclusively(cmd.Context(), args[0], lockWaitTimeout)
	metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer h.Close()
	return holdLock(cmd.Context(), h, args[1:])
}

// holdLock runs command while h is held, or blocks until ctx is done
// when there is no command.
func holdLock(ctx context.Context, h *filelock.Handle, command []string) error {
	if len(command) == 0 {
		printIfNotQuiet("Locked %s, press Ctrl+C to release\n", h.Path())
		<-ctx.Done()
		return nil
	}
	c := exec.CommandContext(ctx, command[0], command[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", command[0], err)
	}
	return nil
}

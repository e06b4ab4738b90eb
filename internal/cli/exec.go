package cli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/pkg/remote"
)

var execCmd = &cobra.Command{
	Use:   "exec <vm> -- <command> [args...]",
	Short: "Run a command in a machine over SSH",
	Long: `Run a command in a machine over SSH and print its output.

Arguments are quoted for the guest shell, so they arrive as given. With
--stdin, standard input is sent to the command and then closed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var (
	execTimeout time.Duration
	execStdin   bool
	execDir     string
	execEnv     map[string]string
)

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 10*time.Minute, "how long the command may run")
	execCmd.Flags().BoolVar(&execStdin, "stdin", false, "send standard input to the command")
	execCmd.Flags().StringVarP(&execDir, "workdir", "w", "", "directory to run the command in")
	execCmd.Flags().StringToStringVarP(&execEnv, "env", "e", nil, "environment variable as KEY=VALUE, repeatable")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	sh, err := h.dialSSH(ctx, args[0])
	if err != nil {
		return err
	}
	defer sh.Close()

	var input []byte
	if execStdin {
		if input, err = io.ReadAll(os.Stdin); err != nil {
			return err
		}
	}
	command := remote.Command{Args: args[1:], Env: execEnv, Dir: execDir}
	stdout, stderr, err := remote.Exec(ctx, sh, command, input, execTimeout)
	os.Stdout.Write(stdout)
	os.Stderr.Write(stderr)

	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return &ExitStatus{Code: exitErr.Code}
	}
	return err
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/vmlab/internal/terminal"
	"github.com/javanstorm/vmlab/pkg/remote"
)

var shellCmd = &cobra.Command{
	Use:   "shell <vm> [-- command...]",
	Short: "Open an interactive shell in a machine",
	Long: `Open an interactive session over SSH on a pseudo-terminal sized like the
local one. Without a command the login shell of ssh.user is started.

Press Ctrl+] twice to detach.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runShell,
}

func runShell(cmd *cobra.Command, args []string) error {
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
	client, err := sh.Client(ctx)
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	console := terminal.Current()
	width, height := console.Size()
	termType := os.Getenv("TERM")
	if termType == "" {
		termType = "xterm-256color"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termType, height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	if len(args) > 1 {
		err = sess.Start(remote.Command{Args: args[1:]}.String())
	} else {
		err = sess.Shell()
	}
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	resize := func(cols, rows int) error { return sess.WindowChange(rows, cols) }
	err = console.Attach(ctx, stdin, stdout, resize)
	switch {
	case errors.Is(err, terminal.ErrEscapeSequence):
		return nil
	case err != nil:
		return err
	}

	var exitErr *ssh.ExitError
	if err := sess.Wait(); errors.As(err, &exitErr) {
		return &ExitStatus{Code: exitErr.ExitStatus()}
	} else if err != nil {
		return err
	}
	return nil
}

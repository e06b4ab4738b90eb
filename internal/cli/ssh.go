package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/pkg/remote"
)

var sshCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Manage SSH access to machines",
	Long: `Manage the SSH key vmlab uses to reach guests.

The public key must be in the authorized_keys of ssh.user in every image
machines boot from.

Examples:
  vmlab ssh keygen            # Generate the key pair
  vmlab ssh pubkey            # Print the public key for authorized_keys
  vmlab ssh connect vmlab-3   # Show the ssh command for a machine`,
}

var sshKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the SSH key pair",
	Long:  `Generate an ed25519 key pair at ssh.key_path unless one exists.`,
	Args:  cobra.NoArgs,
	RunE:  runSSHKeygen,
}

var sshPubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print public key for authorized_keys",
	Args:  cobra.NoArgs,
	RunE:  runSSHPubkey,
}

var sshConnectCmd = &cobra.Command{
	Use:   "connect <vm>",
	Short: "Show SSH connection command",
	Args:  cobra.ExactArgs(1),
	RunE:  runSSHConnect,
}

func init() {
	sshCmd.AddCommand(sshKeygenCmd)
	sshCmd.AddCommand(sshPubkeyCmd)
	sshCmd.AddCommand(sshConnectCmd)
}

// sshKeys returns the key pair at ssh.key_path.
func sshKeys() (*remote.Keys, error) {
	path := config.Global.SSH.KeyPath
	keys := remote.NewKeys(filepath.Dir(path))
	if keys.PrivatePath() != filepath.Clean(path) {
		return nil, fmt.Errorf("ssh.key_path %s: generated keys must be named %s", path, filepath.Base(keys.PrivatePath()))
	}
	return keys, nil
}

func runSSHKeygen(cmd *cobra.Command, args []string) error {
	keys, err := sshKeys()
	if err != nil {
		return err
	}
	if keys.Exists() {
		fmt.Println("SSH key pair already exists:")
	} else {
		if err := keys.Ensure(); err != nil {
			return fmt.Errorf("generate key pair: %w", err)
		}
		fmt.Println("Generated SSH key pair:")
	}
	fmt.Printf("  Private key: %s\n", keys.PrivatePath())
	fmt.Printf("  Public key: %s\n", keys.PublicPath())
	return nil
}

func runSSHPubkey(cmd *cobra.Command, args []string) error {
	keys, err := sshKeys()
	if err != nil {
		return err
	}
	line, err := keys.AuthorizedKey()
	if err != nil {
		return err
	}
	fmt.Println(line)
	return nil
}

func runSSHConnect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	machine, _, err := h.machine(args[0])
	if err != nil {
		return err
	}
	ports, err := machine.PortMap(ctx)
	if err != nil {
		return err
	}
	port, ok := ports.Host("tcp", 22)
	if !ok {
		return fmt.Errorf("%s has no forwarded ssh port", machine.Name())
	}
	fmt.Printf("ssh -i %s -p %d -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null %s@127.0.0.1\n",
		remote.Quote(h.cfg.SSH.KeyPath), port, h.cfg.SSH.User)
	return nil
}

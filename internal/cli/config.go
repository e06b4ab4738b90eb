package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `Inspect the effective configuration.

Settings come from config.yaml in the config directory, VMLAB_*
environment variables (VMLAB_SSH_USER for ssh.user) and built-in
defaults, in that order of precedence.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configPathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Print the directories vmlab uses",
	Args:  cobra.NoArgs,
	RunE:  runConfigPaths,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the directories vmlab uses",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathsCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Printf("# %s\n", file)
	} else {
		fmt.Println("# no config file, defaults and environment only")
	}
	keys := config.Viper.AllKeys()
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("%s = %v\n", k, config.Viper.Get(k))
	}
	return nil
}

func runConfigPaths(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	cfg := config.Global
	fmt.Printf("Config file:  %s\n", paths.ConfigFile)
	fmt.Printf("Cache:        %s\n", paths.CacheDir)
	fmt.Printf("Data:         %s\n", paths.DataDir)
	fmt.Printf("Locks:        %s\n", cfg.LockDir)
	fmt.Printf("Machines:     %s\n", cfg.VMsDir)
	fmt.Printf("State:        %s\n", cfg.StateDir)
	fmt.Printf("Snapshots:    %s\n", cfg.SnapshotsDir)
	fmt.Printf("SSH key:      %s\n", cfg.SSH.KeyPath)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	if err := config.Global.EnsureDirectories(); err != nil {
		return err
	}
	fmt.Printf("Created directories under %s, %s and %s\n", paths.ConfigDir, paths.CacheDir, paths.DataDir)
	return nil
}

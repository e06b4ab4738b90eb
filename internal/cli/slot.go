package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/config"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Claim slots from the shared pools",
	Long: `Claim a slot from one of the pools that parallel runs share on this host.
A slot is held until the command is interrupted.`,
}

var slotClaimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim a range of host ports",
	Args:  cobra.NoArgs,
	RunE:  runSlotClaim,
}

var slotUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Claim a user to run VBoxManage as",
	Args:  cobra.NoArgs,
	RunE:  runSlotUser,
}

var slotPrefix string

func init() {
	slotClaimCmd.Flags().StringVar(&slotPrefix, "prefix", "", "machine name prefix (default: machine.prefix)")

	slotCmd.AddCommand(slotClaimCmd)
	slotCmd.AddCommand(slotUserCmd)
}

func runSlotClaim(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	prefix := slotPrefix
	if prefix == "" {
		prefix = cfg.Machine.Prefix
	}

	slot, err := cfg.PortRanges().Claim(cmd.Context())
	if err != nil {
		return err
	}
	defer slot.Release()

	fmt.Printf("slot=%d\n", slot.Index)
	fmt.Printf("name=%s\n", slot.Name(prefix))
	fmt.Printf("ports=%d-%d\n", slot.First, slot.Last())
	printIfNotQuiet("Holding slot %d, press Ctrl+C to release\n", slot.Index)

	<-cmd.Context().Done()
	return nil
}

func runSlotUser(cmd *cobra.Command, args []string) error {
	users := config.Global.Users()
	name, err := users.Claim(cmd.Context())
	if err != nil {
		return err
	}
	defer users.Release()

	fmt.Printf("user=%s\n", name)
	printIfNotQuiet("Holding user %s, press Ctrl+C to release\n", name)

	<-cmd.Context().Done()
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/artifact"
	"github.com/javanstorm/vmlab/internal/config"
	"github.com/javanstorm/vmlab/internal/snapshot"
	"github.com/javanstorm/vmlab/internal/vm"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage VirtualBox machines",
	Long: `Provision, inspect and remove VirtualBox machines.

Machines are named <prefix>-<slot>. A machine provisioned with 'vm up'
lives as long as that command runs; the other subcommands act on
machines by name.`,
}

var vmUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Provision a machine and hold it until interrupted",
	Long: `Claim a port slot, register a machine with a fresh system disk, power it
on and wait until it answers over SSH. The machine is purged and the slot
released when the command is interrupted.

The system disk is a differencing disk over --parent (a path or an
artifact URI), a copy of --clone, or an empty disk.`,
	Args: cobra.NoArgs,
	RunE: runVMUp,
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known machines",
	Args:  cobra.NoArgs,
	RunE:  runVMList,
}

var vmInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show machine details",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMInfo,
}

var vmDownCmd = &cobra.Command{
	Use:   "down <name>",
	Short: "Power a machine off",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMDown,
}

var vmShutdownCmd = &cobra.Command{
	Use:   "shutdown <name>",
	Short: "Shut a machine down through ACPI",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMShutdown,
}

var vmResetCmd = &cobra.Command{
	Use:   "reset <name>",
	Short: "Hardware-reset a running machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMReset,
}

var vmPurgeCmd = &cobra.Command{
	Use:   "purge <name>",
	Short: "Power off, unregister and delete a machine",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMPurge,
}

var vmScreenCmd = &cobra.Command{
	Use:   "screen <name>",
	Short: "Set the guest video mode or take a screenshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runVMScreen,
}

var vmLogsCmd = &cobra.Command{
	Use:   "logs <name> <dest>",
	Short: "Copy machine logs into a directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runVMLogs,
}

var (
	vmUpPrefix     string
	vmUpCPUs       int
	vmUpMemory     int
	vmUpOSType     string
	vmUpParent     string
	vmUpClone      string
	vmUpDiskSize   int
	vmUpPorts      []string
	vmShutdownWait time.Duration
	vmShutdownHard bool
	vmScreenMode   string
	vmScreenshot   string
)

func init() {
	f := vmUpCmd.Flags()
	f.StringVar(&vmUpPrefix, "prefix", "", "machine name prefix (default: machine.prefix)")
	f.IntVar(&vmUpCPUs, "cpus", 0, "number of CPUs (default: machine.cpus)")
	f.IntVar(&vmUpMemory, "memory", 0, "memory in MB (default: machine.memory_mb)")
	f.StringVar(&vmUpOSType, "os-type", "", "VirtualBox OS type (default: machine.os_type)")
	f.StringVar(&vmUpParent, "parent", "", "published image to boot from (path or artifact URI)")
	f.StringVar(&vmUpClone, "clone", "", "disk image to copy")
	f.IntVar(&vmUpDiskSize, "disk-size", 0, "size of an empty or cloned disk in MB (default: machine.disk_size_mb)")
	f.StringSliceVar(&vmUpPorts, "port", nil, "guest port to forward as proto/port, repeatable (default: tcp/22,tcp/445,tcp/80)")
	vmUpCmd.MarkFlagsMutuallyExclusive("parent", "clone")

	vmShutdownCmd.Flags().DurationVar(&vmShutdownWait, "timeout", 0, "how long the guest may take (default: timeouts.shutdown)")
	vmShutdownCmd.Flags().BoolVar(&vmShutdownHard, "force", false, "power off if the guest does not comply")

	vmScreenCmd.Flags().StringVar(&vmScreenMode, "mode", "", "video mode as WIDTHxHEIGHTxDEPTH, e.g. 1920x1080x32")
	vmScreenCmd.Flags().StringVar(&vmScreenshot, "screenshot", "", "save a PNG of the screen to this path")

	vmCmd.AddCommand(vmUpCmd)
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmInfoCmd)
	vmCmd.AddCommand(vmDownCmd)
	vmCmd.AddCommand(vmShutdownCmd)
	vmCmd.AddCommand(vmResetCmd)
	vmCmd.AddCommand(vmPurgeCmd)
	vmCmd.AddCommand(vmScreenCmd)
	vmCmd.AddCommand(vmLogsCmd)
}

// parseGuestPorts parses proto/port pairs such as tcp/22.
func parseGuestPorts(specs []string) ([]vm.GuestPort, error) {
	var ports []vm.GuestPort
	for _, s := range specs {
		proto, port, ok := strings.Cut(s, "/")
		if !ok {
			proto, port = "tcp", s
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", s)
		}
		ports = append(ports, vm.GuestPort{Protocol: strings.ToLower(proto), Port: n})
	}
	return ports, nil
}

// parseMode parses WIDTHxHEIGHTxDEPTH.
func parseMode(s string) (width, height, depth int, err error) {
	parts := strings.Split(s, "x")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid video mode %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		if vals[i], err = strconv.Atoi(p); err != nil || vals[i] <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid video mode %q", s)
		}
	}
	return vals[0], vals[1], vals[2], nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// upDisk picks the system disk source from the flags.
func upDisk(ctx context.Context, h *host) (hypervisor.Disk, error) {
	size := orDefault(vmUpDiskSize, h.cfg.Machine.DiskSizeMB)
	switch {
	case vmUpParent != "":
		parent := vmUpParent
		if uri, err := artifact.ParseURI(parent); err == nil {
			store, err := openStore()
			if err != nil {
				return nil, err
			}
			defer store.Close()
			if parent, err = store.Resolve(ctx, uri); err != nil {
				return nil, err
			}
		}
		return snapshot.Differencing{VBox: h.vbox, Parent: parent}, nil
	case vmUpClone != "":
		return snapshot.Clone{VBox: h.vbox, Source: vmUpClone, SizeMB: size}, nil
	default:
		return snapshot.Empty{VBox: h.vbox, SizeMB: size}, nil
	}
}

func runVMUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	mgr, err := h.manager()
	if err != nil {
		return err
	}
	disk, err := upDisk(ctx, h)
	if err != nil {
		return err
	}
	ports, err := parseGuestPorts(vmUpPorts)
	if err != nil {
		return err
	}
	m := h.cfg.Machine
	spec := vm.Spec{
		Prefix: orDefault(vmUpPrefix, m.Prefix),
		Settings: hypervisor.Settings{
			CPUs:     orDefault(vmUpCPUs, m.CPUs),
			MemoryMB: orDefault(vmUpMemory, m.MemoryMB),
			OSType:   orDefault(vmUpOSType, m.OSType),
		},
		GuestPorts:   ports,
		Disk:         disk,
		ReadyTimeout: h.cfg.Timeouts.WaitReady,
	}

	printIfNotQuiet("Provisioning %s machine...\n", spec.Prefix)
	return mgr.With(ctx, spec, func(ctx context.Context, mc *vm.Machine) error {
		fmt.Printf("name=%s\n", mc.Name())
		fmt.Printf("ssh=%s\n", mc.Access.Netloc())
		for _, f := range mc.Spec.GuestPorts {
			host, _ := mc.Ports.Host(f.Protocol, f.Port)
			fmt.Printf("port.%s.%d=%d\n", f.Protocol, f.Port, host)
		}
		if !quietMode {
			mc.Timer.Report(os.Stdout, "Provisioning "+mc.Name())
			fmt.Println("Machine is up, press Ctrl+C to tear it down")
		}
		<-ctx.Done()
		printIfNotQuiet("Tearing down %s...\n", mc.Name())
		return nil
	})
}

func runVMList(cmd *cobra.Command, args []string) error {
	recs, err := vm.ReadRecords(config.Global.StateDir)
	if len(recs) == 0 {
		if err != nil {
			return err
		}
		fmt.Println("No machines found. Provision one with: vmlab vm up")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tSLOT\tPID\tBOOTS\tUPDATED")
	for _, r := range recs {
		state := r.State.String()
		if r.State != vm.StatePurged && !processAlive(r.PID) {
			state += " (stale)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Name, state, r.Slot, r.PID, r.BootCount, r.Updated.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return err
}

func runVMInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	machine, rec, err := h.machine(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("VM: %s\n", machine.Name())
	fmt.Printf("  Recorded State: %s\n", rec.State)
	if rec.Slot >= 0 {
		fmt.Printf("  Slot: %d (pid %d)\n", rec.Slot, rec.PID)
	}
	if rec.User != "" {
		fmt.Printf("  User: %s\n", rec.User)
	}
	if rec.BootCount > 0 {
		fmt.Printf("  Last Boot: %s (%d boots)\n", rec.LastBoot.Local().Format("2006-01-02 15:04:05"), rec.BootCount)
	}
	if rec.Error != "" {
		fmt.Printf("  Last Error: %s\n", rec.Error)
	}
	fmt.Printf("  Settings: %s\n", machine.SettingsPath())
	fmt.Printf("  Disk: %s\n", machine.DiskPath())

	info, err := machine.Describe(ctx)
	if errors.Is(err, hypervisor.ErrVMNotFound) {
		fmt.Println("  Hypervisor: not registered")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("  Hypervisor State: %s\n", info.State())
	fmt.Printf("  OS Type: %s\n", info.OSType())
	if level, err := info.RunLevel(); err == nil {
		fmt.Printf("  Guest Additions: %s\n", level)
	}
	if forwards, err := info.PortForwards(); err == nil {
		for _, f := range forwards {
			fmt.Printf("  Forward: %s host %d -> guest %d\n", f.Protocol, f.HostPort, f.GuestPort)
		}
	}
	if meta, err := machine.Metadata(); err == nil && meta != "" {
		fmt.Printf("  Image Metadata: %s\n", meta)
	}
	return nil
}

func runVMDown(cmd *cobra.Command, args []string) error {
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
	if err := machine.PowerOff(ctx); err != nil {
		return err
	}
	h.record(ctx, machine.Name(), func(r *vm.Record) { r.State = vm.StateStopped })
	fmt.Printf("Powered off '%s'\n", machine.Name())
	return nil
}

func runVMShutdown(cmd *cobra.Command, args []string) error {
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
	err = machine.Shutdown(ctx, orDefault(vmShutdownWait, h.cfg.Timeouts.Shutdown))
	if errors.Is(err, hypervisor.ErrShutdownTimeout) && vmShutdownHard {
		printIfNotQuiet("Guest did not shut down, powering off\n")
		err = machine.PowerOff(ctx)
	}
	if err != nil {
		return err
	}
	h.record(ctx, machine.Name(), func(r *vm.Record) { r.State = vm.StateStopped })
	fmt.Printf("Shut down '%s'\n", machine.Name())
	return nil
}

func runVMReset(cmd *cobra.Command, args []string) error {
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
	if err := machine.Reset(ctx); err != nil {
		return err
	}
	h.record(ctx, machine.Name(), func(r *vm.Record) {
		r.LastBoot = time.Now().UTC()
		r.BootCount++
	})
	fmt.Printf("Reset '%s'\n", machine.Name())
	return nil
}

func runVMPurge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	name := args[0]
	rec, err := vm.NewStateFile(h.cfg.StateDir, name).Load()
	if err != nil {
		return err
	}
	if rec.State != vm.StatePurged && rec.PID != os.Getpid() && processAlive(rec.PID) {
		return fmt.Errorf("%s is held by running process %d", name, rec.PID)
	}
	if err := h.runAs(rec); err != nil {
		return err
	}

	mgr, err := h.manager()
	if err != nil {
		return err
	}
	if err := mgr.Purge(ctx, name); err != nil {
		return err
	}
	fmt.Printf("Purged '%s'\n", name)
	return nil
}

func runVMScreen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if vmScreenMode == "" && vmScreenshot == "" {
		return errors.New("nothing to do: pass --mode and/or --screenshot")
	}
	h, err := openHost(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	machine, _, err := h.machine(args[0])
	if err != nil {
		return err
	}
	if vmScreenMode != "" {
		width, height, depth, err := parseMode(vmScreenMode)
		if err != nil {
			return err
		}
		printIfNotQuiet("Waiting for the desktop of '%s'...\n", machine.Name())
		if err := machine.WaitForRunLevel(ctx, hypervisor.RunLevelDesktop, h.cfg.Timeouts.Desktop); err != nil {
			return err
		}
		if err := machine.SetScreenMode(ctx, width, height, depth); err != nil {
			return err
		}
		fmt.Printf("Screen mode of '%s' set to %s\n", machine.Name(), vmScreenMode)
	}
	if vmScreenshot != "" {
		if err := machine.TakeScreenshot(ctx, vmScreenshot); err != nil {
			return err
		}
		fmt.Printf("Saved screenshot to %s\n", vmScreenshot)
	}
	return nil
}

func runVMLogs(cmd *cobra.Command, args []string) error {
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
	if err := machine.CopyLogs(ctx, args[1]); err != nil {
		return err
	}
	fmt.Printf("Copied logs of '%s' to %s\n", machine.Name(), args[1])
	return nil
}

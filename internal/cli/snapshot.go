package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmlab/internal/artifact"
	"github.com/javanstorm/vmlab/internal/snapshot"
	"github.com/javanstorm/vmlab/internal/vm"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Publish and inspect machine images",
	Long: `Publish the disks of stopped machines as images and manage the image store.

A base image is a standalone disk carrying provenance metadata. An
incremental image is the differencing disk of a machine that booted from
another published image. Images are addressed by artifact URIs of the form
vmlab-artifact://sha256:<hex>/<name>.`,
}

var snapshotPublishCmd = &cobra.Command{
	Use:   "publish <vm>",
	Short: "Publish the disk of a stopped machine",
	Long: `Publish the disk of a stopped machine. The machine is unregistered on the way.

Without --parent the disk is published as a base image for --os. With
--parent and --plugin it is published as an incremental image over the
parent.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotPublish,
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <uri|path>",
	Short: "Check an image against its recorded checksums",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotVerify,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List published images",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotList,
}

var snapshotResolveCmd = &cobra.Command{
	Use:   "resolve <uri>",
	Short: "Print the local path of an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotResolve,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove an image from the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var (
	snapshotOS     string
	snapshotMeta   []string
	snapshotParent string
	snapshotPlugin string
)

func init() {
	f := snapshotPublishCmd.Flags()
	f.StringVar(&snapshotOS, "os", "", "OS name of a base image, e.g. ubuntu22")
	f.StringSliceVar(&snapshotMeta, "meta", nil, "extra metadata as key=value, repeatable")
	f.StringVar(&snapshotParent, "parent", "", "artifact URI the machine booted from")
	f.StringVar(&snapshotPlugin, "plugin", "", "name of what the incremental image adds")
	snapshotPublishCmd.MarkFlagsRequiredTogether("parent", "plugin")
	snapshotPublishCmd.MarkFlagsMutuallyExclusive("parent", "os")
	snapshotPublishCmd.MarkFlagsOneRequired("parent", "os")

	snapshotCmd.AddCommand(snapshotPublishCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotResolveCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
}

// parseMeta parses key=value pairs.
func parseMeta(pairs []string) (map[string]string, error) {
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func runSnapshotPublish(cmd *cobra.Command, args []string) error {
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
	if err := h.runAs(rec); err != nil {
		return err
	}
	info, err := machine.Describe(ctx)
	if err != nil {
		return err
	}
	if !info.IsOff() {
		return fmt.Errorf("%s is %s, shut it down first", machine.Name(), info.State())
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	pub := &snapshot.Publisher{VBox: h.vbox, Store: store, Dir: h.cfg.SnapshotsDir}

	var uri artifact.URI
	if snapshotParent != "" {
		parent, err := artifact.ParseURI(snapshotParent)
		if err != nil {
			return err
		}
		printIfNotQuiet("Publishing %s over %s...\n", machine.Name(), parent.Name)
		uri, err = pub.PublishIncremental(ctx, machine, parent, snapshotPlugin)
		if err != nil {
			return err
		}
	} else {
		extra, err := parseMeta(snapshotMeta)
		if err != nil {
			return err
		}
		printIfNotQuiet("Publishing %s as a %s base image...\n", machine.Name(), snapshotOS)
		uri, err = pub.PublishBase(ctx, machine, snapshot.Metadata{OS: snapshotOS, Extra: extra})
		if err != nil {
			return err
		}
	}
	h.record(ctx, machine.Name(), func(r *vm.Record) { r.State = vm.StateUnregistered })
	fmt.Println(uri)
	return nil
}

func runSnapshotVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	uri, err := artifact.ParseURI(args[0])
	if errors.Is(err, artifact.ErrInvalidURI) {
		if err := snapshot.VerifyMD5(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s: OK\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Resolve(ctx, uri); err != nil {
		return err
	}
	if err := store.Verify(ctx, uri.Name); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", uri.Name)
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	recs, err := store.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No images found. Publish one with: vmlab snapshot publish <vm> --os <name>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPARENT\tSIZE\tCREATED\tURI")
	for _, r := range recs {
		parent := r.Parent
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d MB\t%s\t%s\n",
			r.Name, parent, r.Size>>20, r.Created.Local().Format("2006-01-02 15:04:05"), r.URI())
	}
	return w.Flush()
}

func runSnapshotResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	uri, err := artifact.ParseURI(args[0])
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := store.Resolve(ctx, uri)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted image '%s'\n", args[0])
	return nil
}

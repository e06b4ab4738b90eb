package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/artifact"
	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

const timestampLayout = "20060102150405"

// ErrNotADisk is returned for publish destinations without a .vdi suffix.
var ErrNotADisk = errors.New("snapshot: destination is not a VirtualBox disk")

// Publisher turns stopped VMs into images in an artifact store.
type Publisher struct {
	VBox  *hypervisor.VirtualBox
	Store *artifact.Store
	// Dir receives the published disk and its md5 file before they are
	// ingested.
	Dir string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *Publisher) timestamp() string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().UTC().Format(timestampLayout)
}

// BaseName returns the file name of a base image of osName.
func (p *Publisher) BaseName(osName string) string {
	return fmt.Sprintf("%s-%s.vdi", osName, p.timestamp())
}

// IncrementalName returns the file name of a plugin image over parent.
func (p *Publisher) IncrementalName(plugin, parent string) string {
	return strings.Join([]string{plugin, p.timestamp(), parent}, "--")
}

// PublishBase stores the disk of vm as a read-only base image carrying
// meta in its description. The VM is unregistered on the way.
func (p *Publisher) PublishBase(ctx context.Context, vm *hypervisor.VM, meta Metadata) (artifact.URI, error) {
	start := time.Now()
	desc, err := meta.Encode()
	if err != nil {
		return artifact.URI{}, err
	}
	dest := filepath.Join(p.Dir, p.BaseName(meta.OS))
	if err := p.detach(ctx, vm, "", dest); err != nil {
		return artifact.URI{}, err
	}
	if err := hypervisor.WriteDescription(dest, desc); err != nil {
		return artifact.URI{}, err
	}
	uri, err := p.finish(ctx, dest, "", 0444)
	if err != nil {
		return artifact.URI{}, err
	}
	metrics.PublishSeconds.WithLabelValues("base").Observe(time.Since(start).Seconds())
	return uri, nil
}

// PublishIncremental stores the differencing disk of vm as a plugin
// image over parent.
func (p *Publisher) PublishIncremental(ctx context.Context, vm *hypervisor.VM, parent artifact.URI, plugin string) (artifact.URI, error) {
	start := time.Now()
	parentPath, err := p.Store.Resolve(ctx, parent)
	if err != nil {
		return artifact.URI{}, fmt.Errorf("resolve parent: %w", err)
	}
	dest := filepath.Join(p.Dir, p.IncrementalName(plugin, parent.Name))
	if err := p.detach(ctx, vm, parentPath, dest); err != nil {
		return artifact.URI{}, err
	}
	uri, err := p.finish(ctx, dest, parent.Name, 0644)
	if err != nil {
		return artifact.URI{}, err
	}
	metrics.PublishSeconds.WithLabelValues("incremental").Observe(time.Since(start).Seconds())
	return uri, nil
}

// detach compacts the disk of vm, unregisters the VM and copies the
// disk to dest.
func (p *Publisher) detach(ctx context.Context, vm *hypervisor.VM, parent, dest string) error {
	logger := log.G(ctx).WithField("vm", vm.Name()).WithField("dest", dest)
	if filepath.Ext(dest) != ".vdi" {
		return fmt.Errorf("%s: %w", dest, ErrNotADisk)
	}
	if err := p.VBox.CompactMedium(ctx, vm.DiskPath()); err != nil {
		return err
	}
	if err := vm.Unregister(ctx); err != nil {
		return err
	}
	switch err := os.Remove(vm.SettingsPath()); {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("settings file is already gone")
	default:
		return fmt.Errorf("remove settings: %w", err)
	}

	// Unregistering a VM has been seen to drop the parent of its disk
	// from the media registry too. Children of the parent would then fail
	// to open.
	if parent != "" {
		registered, err := p.VBox.MediumRegistered(ctx, parent)
		if err != nil {
			return err
		}
		if !registered {
			logger.WithField("parent", parent).Warn("parent disk was unregistered, registering it again")
			if err := p.VBox.RegisterMedium(ctx, parent); err != nil {
				return err
			}
		}
	}

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("cannot publish %s to %s: %w", vm.Name(), dest, hypervisor.ErrDiskExists)
	}
	if err := p.VBox.FixPermissions(ctx, vm.DiskPath()); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return err
	}
	// Copy rather than rename: the disk may belong to the VBoxManage user,
	// and the image must be owned by the current one.
	if err := copyFile(vm.DiskPath(), dest); err != nil {
		return fmt.Errorf("publish %s: %w", vm.Name(), err)
	}
	logger.Info("disk detached")
	return nil
}

func (p *Publisher) finish(ctx context.Context, dest, parent string, mode os.FileMode) (artifact.URI, error) {
	if _, err := WriteMD5(dest); err != nil {
		return artifact.URI{}, err
	}
	if err := os.Chmod(dest, mode); err != nil {
		return artifact.URI{}, err
	}
	r, err := p.Store.Put(ctx, dest, filepath.Base(dest), parent)
	if err != nil {
		return artifact.URI{}, err
	}
	log.G(ctx).WithField("uri", r.URI()).Info("image published")
	return r.URI(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

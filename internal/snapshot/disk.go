// Package snapshot creates VM system disks from published images and
// publishes stopped VMs as new images.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// Empty creates a blank disk, e.g. for installing an OS from scratch.
type Empty struct {
	VBox   *hypervisor.VirtualBox
	SizeMB int
}

// Create implements hypervisor.Disk.
func (e Empty) Create(ctx context.Context, dest string) error {
	return e.VBox.CreateMedium(ctx, dest, e.SizeMB)
}

// Clone copies a prerequisite image into a standalone disk.
type Clone struct {
	VBox   *hypervisor.VirtualBox
	Source string
	// SizeMB grows the copy when set.
	SizeMB int
}

// Create implements hypervisor.Disk.
func (c Clone) Create(ctx context.Context, dest string) error {
	return c.VBox.CloneMedium(ctx, c.Source, dest, int64(c.SizeMB)<<20)
}

// Differencing creates a child disk over a published image. Writes go
// to the child and the parent is never modified.
type Differencing struct {
	VBox   *hypervisor.VirtualBox
	Parent string
}

// Create implements hypervisor.Disk. A parent file that exists but is
// unknown to VirtualBox is registered first.
func (d Differencing) Create(ctx context.Context, dest string) error {
	if _, err := os.Stat(d.Parent); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", d.Parent, hypervisor.ErrParentDiskNotFound)
		}
		return err
	}
	if err := d.VBox.RegisterMedium(ctx, d.Parent); err != nil {
		if errors.Is(err, hypervisor.ErrDiskNotFound) {
			return fmt.Errorf("%s: %w", d.Parent, hypervisor.ErrParentDiskNotFound)
		}
		return err
	}
	log.G(ctx).WithField("parent", d.Parent).Debug("create differencing disk")
	return d.VBox.CreateChildMedium(ctx, d.Parent, dest)
}

var (
	_ hypervisor.Disk = Empty{}
	_ hypervisor.Disk = Clone{}
	_ hypervisor.Disk = Differencing{}
)

package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/log"
)

// A VDI header keeps a free-form comment right after the 76-byte
// pre-header and the 8-byte header size/version. Snapshots store their
// provenance there.
const (
	descriptionOffset = 76 + 8
	descriptionSize   = 256
)

// CreateMedium creates an empty dynamically allocated VDI disk.
func (v *VirtualBox) CreateMedium(ctx context.Context, path string, sizeMB int) error {
	if _, err := v.runner.Run(ctx,
		"createmedium",
		"--filename", path,
		"--format", "VDI",
		"--size", strconv.Itoa(sizeMB),
	); err != nil {
		return fmt.Errorf("create medium %s: %w", path, err)
	}
	// The description is read and written directly.
	return v.FixPermissions(ctx, path)
}

// CloneMedium makes a full copy of src at dst. A positive sizeBytes
// grows the copy to that size.
func (v *VirtualBox) CloneMedium(ctx context.Context, src, dst string, sizeBytes int64) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", src, ErrDiskNotFound)
		}
		return err
	}
	if _, err := v.runner.Run(ctx, "clonemedium", "disk", src, dst, "--format", "vdi"); err != nil {
		if HasCode(err, "VBOX_E_FILE_ERROR") && Mentions(err, "VERR_ALREADY_EXISTS") {
			return fmt.Errorf("%s: %w", dst, ErrDiskExists)
		}
		return fmt.Errorf("clone medium %s: %w", src, err)
	}
	if err := v.FixPermissions(ctx, dst); err != nil {
		return err
	}
	if sizeBytes > 0 {
		if _, err := v.runner.Run(ctx, "modifymedium", "disk", dst, "--resizebyte", strconv.FormatInt(sizeBytes, 10)); err != nil {
			return fmt.Errorf("resize medium %s: %w", dst, err)
		}
	}
	return nil
}

// CreateChildMedium creates a differencing disk over parent and copies
// the parent's description onto it. The parent must be registered.
func (v *VirtualBox) CreateChildMedium(ctx context.Context, parent, child string) error {
	_, err := v.runner.Run(ctx, "createmedium", "--filename", child, "--diffparent", parent)
	switch {
	case err == nil:
	case HasCode(err, "VBOX_E_FILE_ERROR") && Mentions(err, "Could not find file for the medium"):
		return fmt.Errorf("parent %s of %s: %w", parent, child, ErrParentDiskNotFound)
	case HasCode(err, "VBOX_E_FILE_ERROR") && Mentions(err, "VERR_ALREADY_EXISTS"):
		return fmt.Errorf("%s: %w", child, ErrDiskExists)
	case Mentions(err, "Failed to create medium") && fileExists(child):
		return fmt.Errorf("%s: %w", child, ErrDiskExists)
	default:
		return fmt.Errorf("create child medium %s: %w", child, err)
	}
	if err := v.FixPermissions(ctx, child); err != nil {
		return err
	}
	desc, err := ReadDescription(parent)
	if err != nil {
		return err
	}
	return WriteDescription(child, desc)
}

// CloseMedium unregisters the disk and deletes its file. Disks that
// are unknown to VirtualBox are only deleted. ErrDiskInUse is returned
// while the disk is attached or has children.
func (v *VirtualBox) CloseMedium(ctx context.Context, path string) error {
	logger := log.G(ctx).WithField("disk", path)
	// VBoxManage can exit with 0 without deleting the file, so the file
	// is removed afterwards in any case.
	_, err := v.runner.Run(ctx, "closemedium", "disk", path, "--delete")
	switch {
	case err == nil:
		logger.Debug("unregistered")
	case HasCode(err, "VBOX_E_FILE_ERROR"):
		logger.Debug("not registered")
	case HasCode(err, "VBOX_E_INVALID_OBJECT_STATE") && Mentions(err, "is locked for reading by another task"):
		return fmt.Errorf("%s: %w", path, ErrDiskInUse)
	case HasCode(err, "VBOX_E_OBJECT_IN_USE") && Mentions(err, "because it has") && Mentions(err, "child media"):
		return fmt.Errorf("%s: %w", path, ErrDiskInUse)
	case HasCode(err, "NS_ERROR_FAILURE") && Mentions(err, "is not found in the media registry"):
	case HasCode(err, "VBOX_E_IPRT_ERROR") && Mentions(err, "Could not get the storage format"):
	default:
		return fmt.Errorf("close medium %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// RegisterMedium adds an existing disk to the media registry.
//
// Differencing disks can only be created over registered parents and
// VBoxManage has no command that only registers a disk. Reading and
// writing back AllocationBlockSize registers it as a side effect and
// needs no write access to the file.
func (v *VirtualBox) RegisterMedium(ctx context.Context, path string) error {
	out, err := v.runner.Run(ctx, "mediumproperty", "get", path, "AllocationBlockSize")
	switch {
	case err == nil:
	case HasCode(err, "VBOX_E_FILE_ERROR") && Mentions(err, "Could not find file for the medium"):
		return fmt.Errorf("%s: %w", path, ErrDiskNotFound)
	case HasCode(err, "NS_ERROR_FAILURE") && Mentions(err, "is not found in the media registry"):
		return fmt.Errorf("%s: %w", path, ErrParentDiskNotFound)
	default:
		return fmt.Errorf("register medium %s: %w", path, err)
	}
	_, size, _ := strings.Cut(out, "=")
	size = strings.TrimSpace(size)
	if size == "" {
		return fmt.Errorf("register medium %s: no AllocationBlockSize in %q", path, out)
	}
	_, err = v.runner.Run(ctx, "mediumproperty", "set", path, "AllocationBlockSize", size)
	switch {
	case err == nil:
	case HasCode(err, "VBOX_E_INVALID_OBJECT_STATE") && Mentions(err, "is locked for reading by another task"):
		log.G(ctx).WithField("disk", path).Debug("already registered")
	default:
		return fmt.Errorf("register medium %s: %w", path, err)
	}
	return nil
}

// CompactMedium reclaims zeroed blocks of a dynamically allocated disk.
func (v *VirtualBox) CompactMedium(ctx context.Context, path string) error {
	if _, err := v.runner.Run(ctx, "modifymedium", "disk", path, "--compact"); err != nil {
		return fmt.Errorf("compact %s: %w", path, err)
	}
	return nil
}

// ReadDescription returns the comment stored in the VDI header.
func ReadDescription(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, ErrDiskNotFound)
		}
		return "", err
	}
	defer f.Close()
	buf := make([]byte, descriptionSize)
	n, err := f.ReadAt(buf, descriptionOffset)
	if err != nil && n < len(buf) {
		return "", fmt.Errorf("read description of %s: %w", path, err)
	}
	data, _, _ := bytes.Cut(buf[:n], []byte{0})
	return string(data), nil
}

// WriteDescription replaces the comment stored in the VDI header. The
// comment is NUL-terminated inside a fixed-size field.
func WriteDescription(path, description string) error {
	if len(description) >= descriptionSize {
		return fmt.Errorf("%s: %w", path, ErrDescriptionTooLong)
	}
	buf := make([]byte, descriptionSize)
	copy(buf, description)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrDiskNotFound)
		}
		return err
	}
	if _, err := f.WriteAt(buf, descriptionOffset); err != nil {
		f.Close()
		return fmt.Errorf("write description of %s: %w", path, err)
	}
	return f.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

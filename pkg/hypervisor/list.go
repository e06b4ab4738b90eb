package hypervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const extensionPackName = "Oracle VM VirtualBox Extension Pack"

// ListVMs returns registered machines, or only the running ones.
func (v *VirtualBox) ListVMs(ctx context.Context, running bool) ([]VMEntry, error) {
	kind := "vms"
	if running {
		kind = "runningvms"
	}
	out, err := v.runner.Run(ctx, "list", kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return parseVMList(out), nil
}

// List returns the records of `VBoxManage list <entity>`.
func (v *VirtualBox) List(ctx context.Context, entity string) ([]map[string]string, error) {
	out, err := v.runner.Run(ctx, "list", entity)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	return parseList(out), nil
}

// Medium is one entry of the media registry.
type Medium struct {
	UUID       string
	ParentUUID string
	Location   string
	State      string
}

// ListHDDs returns the registered hard disks.
func (v *VirtualBox) ListHDDs(ctx context.Context) ([]Medium, error) {
	records, err := v.List(ctx, "hdds")
	if err != nil {
		return nil, err
	}
	media := make([]Medium, 0, len(records))
	for _, r := range records {
		media = append(media, Medium{
			UUID:       r["UUID"],
			ParentUUID: r["Parent UUID"],
			Location:   r["Location"],
			State:      r["State"],
		})
	}
	return media, nil
}

// MediumRegistered reports whether path is in the media registry.
func (v *VirtualBox) MediumRegistered(ctx context.Context, path string) (bool, error) {
	media, err := v.ListHDDs(ctx)
	if err != nil {
		return false, err
	}
	want := filepath.Clean(path)
	for _, m := range media {
		if filepath.Clean(m.Location) == want {
			return true, nil
		}
	}
	return false, nil
}

// CheckExtensionPack returns ErrExtensionPackMissing unless the Oracle
// extension pack is installed and usable. Machines with USB 3.0
// controllers cannot start without it.
func (v *VirtualBox) CheckExtensionPack(ctx context.Context) error {
	out, err := v.runner.Run(ctx, "list", "extpacks")
	if err != nil {
		return fmt.Errorf("list extpacks: %w", err)
	}
	// The first line is a "Extension Packs: N" summary.
	_, body, _ := strings.Cut(out, "\n")
	for _, r := range parseList(body) {
		for key, value := range r {
			if !strings.HasPrefix(key, "Pack no.") || value != extensionPackName {
				continue
			}
			if r["Usable"] != "true" {
				return fmt.Errorf("%s is not usable: %s: %w", extensionPackName, r["Why unusable"], ErrExtensionPackMissing)
			}
			return nil
		}
	}
	return ErrExtensionPackMissing
}

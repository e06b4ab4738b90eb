// Package hypervisor drives VirtualBox through the VBoxManage command
// line: machine registration and power control, disk media, and guest
// integration state.
package hypervisor

import (
	"context"
	"time"
)

// Runner executes VBoxManage. CLI is the production implementation;
// tests substitute a scripted fake.
type Runner interface {
	// Run executes VBoxManage with args and returns trimmed stdout.
	// A nonzero exit status yields a *CLIError.
	Run(ctx context.Context, args ...string) (string, error)
	// RunLocked is Run serialized by a host-wide lock.
	RunLocked(ctx context.Context, args ...string) (string, error)
}

// PermissionFixer is implemented by runners that execute VBoxManage as a
// different OS user. Files written by that user are made readable for
// the current one.
type PermissionFixer interface {
	FixPermissions(ctx context.Context, path string) error
}

// Lifecycle defines VM lifecycle operations.
type Lifecycle interface {
	// Register writes the settings document, registers the machine and
	// attaches a freshly created system disk.
	Register(ctx context.Context, s Settings, disk Disk) error

	// PowerOn starts the machine headless.
	PowerOn(ctx context.Context) error

	// PowerOff stops the machine at once. Stopping a machine that is not
	// running succeeds.
	PowerOff(ctx context.Context) error

	// Reset is a hardware reset.
	Reset(ctx context.Context) error

	// Shutdown presses the ACPI power button and waits for power-off.
	Shutdown(ctx context.Context, timeout time.Duration) error

	// Purge removes every trace of the machine. It is safe on machines
	// that were never registered or only partly constructed.
	Purge(ctx context.Context) error
}

// Inspector reads machine state.
type Inspector interface {
	Describe(ctx context.Context) (Info, error)
	RunLevel(ctx context.Context) (RunLevel, error)
}

// Disk creates the system disk of a machine at dest.
type Disk interface {
	Create(ctx context.Context, dest string) error
}

// DiskFunc adapts a function to Disk.
type DiskFunc func(ctx context.Context, dest string) error

// Create calls f.
func (f DiskFunc) Create(ctx context.Context, dest string) error {
	return f(ctx, dest)
}

var (
	_ Lifecycle = (*VM)(nil)
	_ Inspector = (*VM)(nil)
)

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/vmlab/internal/metrics"
	"github.com/javanstorm/vmlab/internal/retry"
)

const (
	msgSessionClosed  = "The VM session was closed before any attempt to power it on"
	msgUSB3Missing    = "Implementation of the USB 3.0 controller not found!"
	msgNotRunning     = "is not currently running"
	msgPoweringDown   = "The virtual machine is being powered down"
	msgNoConsole      = "Failed to get a console object from the direct session"
	msgNotRegistered  = "Could not find a registered machine"
	msgNoExtendedInfo = "extended info not available"
)

// VM is a VirtualBox machine addressed by name.
type VM struct {
	vbox     *VirtualBox
	name     string
	dir      string
	settings string
	disk     string
	logs     string
}

func (vm *VM) String() string {
	return "VM " + vm.name
}

// Name returns the machine name.
func (vm *VM) Name() string { return vm.name }

// Dir returns the directory holding settings and logs.
func (vm *VM) Dir() string { return vm.dir }

// SettingsPath returns the settings document path.
func (vm *VM) SettingsPath() string { return vm.settings }

// DiskPath returns the system disk path. It lies outside Dir.
func (vm *VM) DiskPath() string { return vm.disk }

// LogsDir returns the directory with VBox.log and boot.log.
func (vm *VM) LogsDir() string { return vm.logs }

func (vm *VM) run(ctx context.Context, args ...string) (string, error) {
	return vm.vbox.runner.Run(ctx, args...)
}

func (vm *VM) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithField("vm", vm.name)
}

// Register writes the settings document, registers the machine, applies
// the port forwards and attaches a system disk created by disk. It
// fails with ErrSettingsExist if the settings document is already
// there, which means the name is in use.
func (vm *VM) Register(ctx context.Context, s Settings, disk Disk) error {
	doc, err := s.Render(vm.name, vm.logs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(vm.dir, 0755); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	f, err := os.OpenFile(vm.settings, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", vm.settings, ErrSettingsExist)
	}
	if err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	_, err = f.Write(doc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	logger := vm.logger(ctx)
	if _, err := vm.run(ctx, "registervm", vm.settings); err != nil {
		return fmt.Errorf("register %s: %w", vm.name, err)
	}
	if len(s.Forwards) > 0 {
		args := []string{"modifyvm", vm.name}
		for _, f := range s.Forwards {
			rule := fmt.Sprintf("%s,%s,,%d,,%d", f.Name(), f.Protocol, f.HostPort, f.GuestPort)
			args = append(args, "--natpf1", rule)
		}
		if _, err := vm.run(ctx, args...); err != nil {
			return fmt.Errorf("configure %s: %w", vm.name, err)
		}
	}
	if err := disk.Create(ctx, vm.disk); err != nil {
		return fmt.Errorf("create disk for %s: %w", vm.name, err)
	}
	if _, err := vm.run(ctx,
		"storageattach", vm.name,
		"--storagectl", "SATA",
		"--device", "0", "--port", "0",
		"--type", "hdd",
		"--medium", vm.disk,
	); err != nil {
		return fmt.Errorf("attach disk to %s: %w", vm.name, err)
	}
	logger.WithField("disk", vm.disk).Info("registered")
	return nil
}

// PowerOn starts the machine headless. A session closed by a VBoxSVC
// that is shutting down is retried; a missing extension pack is not.
func (vm *VM) PowerOn(ctx context.Context) error {
	logger := vm.logger(ctx)
	policy := retry.Policy{
		Name:        "startvm",
		MaxAttempts: 11,
		Delay:       retry.Constant(vm.vbox.cfg.PowerOnRetryDelay),
		Retryable: func(err error) bool {
			if HasCode(err, "E_FAIL") && Mentions(err, msgSessionClosed) {
				metrics.CLIRetries.WithLabelValues("session_closed").Inc()
				return true
			}
			return false
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		metrics.PowerOnAttempts.Inc()
		_, err := vm.vbox.runner.RunLocked(ctx, "startvm", vm.name, "--type", "headless")
		if Mentions(err, msgUSB3Missing) {
			return fmt.Errorf("%w: %w", ErrExtensionPackMissing, err)
		}
		return err
	})
	if err != nil {
		logger.WithError(err).Error("power on failed")
		return fmt.Errorf("power on %s: %w", vm.name, err)
	}
	logger.Info("powered on")
	return nil
}

var errStillRunning = errors.New("machine is still running")

// PowerOff stops the machine and repeats the request until VirtualBox
// confirms it is not running. It returns ErrVMNotFound for unknown
// machines.
func (vm *VM) PowerOff(ctx context.Context) error {
	policy := retry.Policy{
		Name:        "poweroff",
		MaxAttempts: 11,
		Delay:       retry.Constant(500 * time.Millisecond),
		Retryable: func(err error) bool {
			switch {
			case errors.Is(err, errStillRunning):
				return true
			case Mentions(err, msgPoweringDown):
				metrics.CLIRetries.WithLabelValues("powering_down").Inc()
				return true
			case Mentions(err, msgNoConsole):
				metrics.CLIRetries.WithLabelValues("no_console").Inc()
				return true
			default:
				return false
			}
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		_, err := vm.run(ctx, "controlvm", vm.name, "poweroff")
		switch {
		case err == nil:
			return errStillRunning
		case Mentions(err, msgNotRunning):
			return nil
		case Mentions(err, msgNotRegistered):
			return fmt.Errorf("%s: %w", vm.name, ErrVMNotFound)
		case Mentions(err, msgNoExtendedInfo):
			return fmt.Errorf("%s: %w: %w", vm.name, ErrGuruMeditation, err)
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("power off %s: %w", vm.name, err)
	}
	vm.logger(ctx).Debug("powered off")
	return nil
}

// Reset is a hardware reset of a running machine.
func (vm *VM) Reset(ctx context.Context) error {
	vm.logger(ctx).Info("reset")
	if _, err := vm.run(ctx, "controlvm", vm.name, "reset"); err != nil {
		return fmt.Errorf("reset %s: %w", vm.name, err)
	}
	return nil
}

// Shutdown asks the guest to power off and polls every second until the
// machine is off. It returns ErrShutdownTimeout if that takes longer
// than timeout.
func (vm *VM) Shutdown(ctx context.Context, timeout time.Duration) error {
	vm.logger(ctx).Info("shutdown")
	_, err := vm.run(ctx, "controlvm", vm.name, "acpipowerbutton")
	switch {
	case err == nil:
	case Mentions(err, msgNotRunning):
		return nil
	case Mentions(err, msgNotRegistered):
		return fmt.Errorf("shutdown %s: %w", vm.name, ErrVMNotFound)
	default:
		return fmt.Errorf("shutdown %s: %w", vm.name, err)
	}
	return vm.WaitOff(ctx, timeout)
}

// WaitOff polls machine state until it is powered off or aborted.
func (vm *VM) WaitOff(ctx context.Context, timeout time.Duration) error {
	err := retry.Until(ctx, time.Second, timeout, func(ctx context.Context) (bool, error) {
		info, err := vm.Describe(ctx)
		if err != nil {
			return false, err
		}
		return info.IsOff(), nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%s after %s: %w", vm.name, timeout, ErrShutdownTimeout)
	}
	return err
}

// unregister removes the machine from the registry, retrying while
// VirtualBox is busy. An already unregistered machine is not an error.
func (vm *VM) unregister(ctx context.Context) error {
	policy := retry.Policy{
		Name:        "unregistervm",
		MaxAttempts: 10,
		Delay:       retry.Constant(time.Second),
		Retryable: func(err error) bool {
			return errors.Is(err, ErrNotReady) || HasCode(err, "E_ACCESSDENIED")
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		_, err := vm.run(ctx, "unregistervm", vm.name)
		if HasCode(err, "VBOX_E_OBJECT_NOT_FOUND") {
			vm.logger(ctx).Warn("not found, assume it has been deleted")
			return nil
		}
		return err
	})
}

// Unregister powers the machine off if needed and removes it from the
// registry. The disk and settings files stay in place.
func (vm *VM) Unregister(ctx context.Context) error {
	if err := vm.PowerOff(ctx); err != nil {
		return err
	}
	if err := vm.unregister(ctx); err != nil {
		return fmt.Errorf("unregister %s: %w", vm.name, err)
	}
	return nil
}

// Purge powers off, unregisters and deletes the machine files. A
// machine that is already gone is not an error; anything else is.
func (vm *VM) Purge(ctx context.Context) error {
	logger := vm.logger(ctx)
	err := vm.PowerOff(ctx)
	switch {
	case err == nil:
		if err := vm.unregister(ctx); err != nil {
			return fmt.Errorf("purge %s: unregister: %w", vm.name, err)
		}
	case errors.Is(err, ErrVMNotFound):
		logger.Debug("not registered")
	case HasCode(err, "E_ACCESSDENIED"):
		logger.WithError(err).Warn("machine is inaccessible")
	default:
		return fmt.Errorf("purge %s: %w", vm.name, err)
	}

	// The system disk is deleted as a plain file. Closing it as a medium
	// can fail when unregistering dropped its parent from the registry.
	if _, err := os.Stat(vm.disk); err == nil {
		if err := vm.vbox.FixPermissions(ctx, vm.disk); err != nil {
			logger.WithError(err).Warn("cannot fix disk permissions")
		}
		if err := os.Remove(vm.disk); err != nil {
			return fmt.Errorf("purge %s: remove disk: %w", vm.name, err)
		}
	}
	switch err := os.Remove(vm.settings); {
	case err == nil:
		logger.WithField("path", vm.settings).Debug("settings deleted")
	case errors.Is(err, os.ErrNotExist):
		logger.WithField("path", vm.settings).Debug("settings do not exist")
	default:
		return fmt.Errorf("purge %s: remove settings: %w", vm.name, err)
	}
	extra, err := filepath.Glob(filepath.Join(vm.dir, "*.vdi"))
	if err != nil {
		return fmt.Errorf("purge %s: %w", vm.name, err)
	}
	for _, path := range extra {
		if err := vm.vbox.CloseMedium(ctx, path); err != nil {
			return fmt.Errorf("purge %s: %w", vm.name, err)
		}
	}
	logger.Info("purged")
	return nil
}

func describeRetryable(err error) bool {
	if !IsTransient(err) {
		return false
	}
	if errors.Is(err, ErrNotReady) {
		metrics.CLIRetries.WithLabelValues("not_ready").Inc()
	} else {
		metrics.CLIRetries.WithLabelValues("describe").Inc()
	}
	return true
}

// Describe returns the machine-readable machine description. It is
// retried because it fails transiently while a machine changes state,
// and it is also the path used to diagnose failures.
func (vm *VM) Describe(ctx context.Context) (Info, error) {
	var raw string
	policy := retry.Policy{
		Name:        "showvminfo",
		MaxAttempts: 6,
		Delay:       retry.Constant(250 * time.Millisecond),
		Retryable:   describeRetryable,
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		var err error
		raw, err = vm.run(ctx, "showvminfo", vm.name, "--machinereadable")
		return err
	})
	if Mentions(err, msgNotRegistered) {
		return nil, fmt.Errorf("describe %s: %w", vm.name, ErrVMNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", vm.name, err)
	}
	m, err := parseMachineReadable(raw)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", vm.name, err)
	}
	return Info(m), nil
}

// PortMap returns the forwarded ports as configured in VirtualBox.
func (vm *VM) PortMap(ctx context.Context) (PortMap, error) {
	info, err := vm.Describe(ctx)
	if err != nil {
		return nil, err
	}
	forwards, err := info.PortForwards()
	if err != nil {
		return nil, err
	}
	return NewPortMap(forwards), nil
}

// Metadata returns the JSON provenance stored in the system disk.
func (vm *VM) Metadata() (string, error) {
	return ReadDescription(vm.disk)
}

// CopyLogs copies the machine logs into dest/<name>.
func (vm *VM) CopyLogs(ctx context.Context, dest string) error {
	if err := vm.vbox.FixPermissions(ctx, vm.logs); err != nil {
		return err
	}
	target := filepath.Join(dest, vm.name)
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(vm.logs)
	if err != nil {
		return fmt.Errorf("read logs of %s: %w", vm.name, err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := copyFile(filepath.Join(vm.logs, e.Name()), filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

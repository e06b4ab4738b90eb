package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/javanstorm/vmlab/internal/retry"
)

// RunLevel returns the current guest additions run level.
func (vm *VM) RunLevel(ctx context.Context) (RunLevel, error) {
	info, err := vm.Describe(ctx)
	if err != nil {
		return RunLevelNone, err
	}
	return info.RunLevel()
}

// WaitForRunLevel polls every second until the guest reaches at least
// level. It returns ErrGuestNotReady on timeout.
func (vm *VM) WaitForRunLevel(ctx context.Context, level RunLevel, timeout time.Duration) error {
	err := retry.Until(ctx, time.Second, timeout, func(ctx context.Context) (bool, error) {
		current, err := vm.RunLevel(ctx)
		if err != nil {
			return false, err
		}
		return current >= level, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%s did not reach %s in %s: %w", vm.name, level, timeout, ErrGuestNotReady)
	}
	return err
}

// SetScreenMode asks the guest for a video mode and waits until the
// guest reports it. The guest must run desktop integration first.
func (vm *VM) SetScreenMode(ctx context.Context, width, height, depth int) error {
	if err := vm.WaitForRunLevel(ctx, RunLevelDesktop, 15*time.Second); err != nil {
		return fmt.Errorf("%w: %w", ErrScreenMode, err)
	}
	if _, err := vm.run(ctx, "controlvm", vm.name, "setvideomodehint", itoa(width), itoa(height), itoa(depth)); err != nil {
		return fmt.Errorf("%w: %w", ErrScreenMode, err)
	}
	err := retry.Until(ctx, time.Second, 5*time.Second, func(ctx context.Context) (bool, error) {
		info, err := vm.Describe(ctx)
		if err != nil {
			return false, err
		}
		w, h, d, err := info.VideoMode()
		if err != nil {
			return false, nil
		}
		return w == width && h == height && d == depth, nil
	})
	if err != nil {
		return fmt.Errorf("%w %dx%dx%d: %w", ErrScreenMode, width, height, depth, err)
	}
	vm.logger(ctx).Infof("screen mode set to %dx%dx%d", width, height, depth)
	return nil
}

// TakeScreenshot saves a PNG of the first screen to dest. VBoxManage
// writes into the logs directory first since it may run as another user.
func (vm *VM) TakeScreenshot(ctx context.Context, dest string) error {
	if !strings.EqualFold(filepath.Ext(dest), ".png") {
		return fmt.Errorf("screenshot %s: only .png is supported", dest)
	}
	tmp := filepath.Join(vm.logs, filepath.Base(dest))
	if _, err := vm.run(ctx, "controlvm", vm.name, "screenshotpng", tmp); err != nil {
		return fmt.Errorf("screenshot %s: %w", vm.name, err)
	}
	if err := vm.vbox.FixPermissions(ctx, tmp); err != nil {
		return err
	}
	return copyFile(tmp, dest)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

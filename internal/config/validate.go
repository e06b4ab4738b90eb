package config

import (
	"errors"
	"fmt"
	"slices"
)

var logLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	for key, dir := range map[string]string{
		"lock_dir":      c.LockDir,
		"vms_dir":       c.VMsDir,
		"snapshots_dir": c.SnapshotsDir,
		"state_dir":     c.StateDir,
	} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s must be set", key))
		}
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity must be set"))
	}
	if c.LockDir != "" {
		if err := c.PortRanges().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RunAsUser && len(c.UserPool) == 0 && c.PreferredUser == "" {
		errs = append(errs, errors.New("run_as_user needs user_pool or preferred_user"))
	}
	if c.PreferredUser != "" && len(c.UserPool) > 0 && !slices.Contains(c.UserPool, c.PreferredUser) {
		errs = append(errs, fmt.Errorf("preferred_user %q is not in user_pool", c.PreferredUser))
	}
	if c.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user must be set"))
	}
	for key, d := range map[string]int64{
		"timeouts.power_on_retry": int64(c.Timeouts.PowerOnRetry),
		"timeouts.wait_ready":     int64(c.Timeouts.WaitReady),
		"timeouts.shutdown":       int64(c.Timeouts.Shutdown),
		"timeouts.desktop":        int64(c.Timeouts.Desktop),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Machine.CPUs < 1 {
		errs = append(errs, fmt.Errorf("machine.cpus must be at least 1, got %d", c.Machine.CPUs))
	}
	if c.Machine.MemoryMB < 128 {
		errs = append(errs, fmt.Errorf("machine.memory_mb must be at least 128, got %d", c.Machine.MemoryMB))
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not one of %v", c.LogLevel, logLevels))
	}
	if len(errs) == 0 {
		return nil
	}
	slices.SortFunc(errs, func(a, b error) int {
		switch {
		case a.Error() < b.Error():
			return -1
		case a.Error() > b.Error():
			return 1
		}
		return 0
	})
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

//go:build !windows

package vm_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/internal/osaccess"
	"github.com/javanstorm/vmlab/internal/pool"
	"github.com/javanstorm/vmlab/internal/testutil"
	"github.com/javanstorm/vmlab/internal/vm"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
	"github.com/javanstorm/vmlab/pkg/remotefs"
)

type fixture struct {
	runner   *testutil.FakeRunner
	shell    *testutil.ScriptedShell
	vbox     *hypervisor.VirtualBox
	mgr      *vm.Manager
	ports    pool.PortRanges
	stateDir string
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()
	f := &fixture{
		runner:   testutil.NewFakeRunner(),
		shell:    testutil.NewScriptedShell(),
		stateDir: t.TempDir(),
	}
	f.runner.Reply("", "registervm")
	f.runner.Reply("", "modifyvm")
	f.runner.Reply("", "storageattach")
	f.runner.Reply("", "startvm")
	f.runner.Fail("VBOX_E_INVALID_VM_STATE", "Machine is not currently running", "controlvm")
	f.runner.Reply("", "unregistervm")
	f.vbox = testutil.NewVirtualBox(t, f.runner)
	f.ports = pool.PortRanges{
		Dir:        t.TempDir(),
		Identity:   "test",
		Base:       30000,
		Size:       5,
		Slots:      slots,
		Namespaces: 1,
	}

	mgr, err := vm.NewManager(vm.ManagerConfig{
		VBox:     f.vbox,
		Ports:    f.ports,
		StateDir: f.stateDir,
		Dial: func(_ context.Context, address string, ports hypervisor.PortMap) (*osaccess.Access, error) {
			a := osaccess.New(address, ports, f.shell, remotefs.NewLocal())
			a.ReadyService = ""
			return a, nil
		},
	})
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(func() {
		assert.Less(t, f.shell.MaxLag(), 2*time.Second, "guest command outlived its process")
	})
	return f
}

func (f *fixture) spec(t *testing.T) vm.Spec {
	return vm.Spec{
		Prefix:       "t",
		Settings:     hypervisor.Settings{CPUs: 1, MemoryMB: 512},
		GuestPorts:   []vm.GuestPort{{Protocol: "tcp", Port: 22}, {Protocol: "udp", Port: 53}},
		Disk:         testutil.FakeDisk(t, 1),
		ReadyTimeout: 5 * time.Second,
	}
}

func (f *fixture) record(t *testing.T, name string) *vm.Record {
	t.Helper()
	rec, err := vm.NewStateFile(f.stateDir, name).Load()
	require.NoError(t, err)
	return rec
}

func TestProvisionAndTeardown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	mc, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	assert.Equal(t, vm.StateRunning, mc.State())
	assert.Equal(t, "t-0", mc.Name())
	assert.FileExists(t, mc.VM.SettingsPath())

	ssh, ok := mc.Ports.Host("tcp", 22)
	require.True(t, ok)
	assert.Equal(t, 30000, ssh)
	dns, ok := mc.Ports.Host("udp", 53)
	require.True(t, ok)
	assert.Equal(t, 30001, dns)
	assert.Equal(t, "127.0.0.1:30000", mc.Access.Netloc())
	assert.Contains(t, f.runner.Calls()[1].Args, "tcp-22,tcp,,30000,,22")

	rec := f.record(t, "t-0")
	assert.Equal(t, vm.StateRunning, rec.State)
	assert.Equal(t, 0, rec.Slot)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, 1, rec.BootCount)

	got, ok := f.mgr.Machine("t-0")
	require.True(t, ok)
	assert.Same(t, mc, got)
	assert.Len(t, f.mgr.Machines(), 1)

	var phases []string
	for _, p := range mc.Timer.Phases() {
		phases = append(phases, p.Name)
	}
	assert.Equal(t, []string{"lock", "register", "power-on", "wait-ready"}, phases)

	require.NoError(t, mc.Teardown(ctx))
	assert.Equal(t, vm.StatePurged, mc.State())
	assert.NoFileExists(t, mc.VM.SettingsPath())
	assert.NoFileExists(t, mc.VM.DiskPath())
	assert.Nil(t, mc.Access)
	assert.Equal(t, vm.StatePurged, f.record(t, "t-0").State)
	_, ok = f.mgr.Machine("t-0")
	assert.False(t, ok)

	require.NoError(t, mc.Teardown(ctx))
	assert.Equal(t, 1, f.runner.Count("unregistervm"))

	slot, err := f.ports.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.Index)
	slot.Release()
}

func TestSlotsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	a, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	defer a.Teardown(ctx)
	b, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	defer b.Teardown(ctx)

	assert.NotEqual(t, a.Slot.Index, b.Slot.Index)
	assert.Equal(t, "t-1", b.Name())

	_, err = f.mgr.Up(ctx, f.spec(t))
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Equal(t, 2, f.runner.Count("registervm"))
}

func TestProvisionPowerOnFailureTearsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.runner.Fail("E_FAIL", "Implementation of the USB 3.0 controller not found!", "startvm")

	_, err := f.mgr.Up(ctx, f.spec(t))
	assert.ErrorIs(t, err, hypervisor.ErrExtensionPackMissing)

	assert.Equal(t, 1, f.runner.Count("unregistervm"))
	assert.NoFileExists(t, f.vbox.VM("t-0").SettingsPath())
	rec := f.record(t, "t-0")
	assert.Equal(t, vm.StatePurged, rec.State)
	assert.Contains(t, rec.Error, "USB 3.0")

	slot, err := f.ports.Claim(ctx)
	require.NoError(t, err, "slot must be released after a failed provision")
	slot.Release()
}

func TestProvisionGuestNotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.shell.SetWorking(false)
	spec := f.spec(t)
	spec.ReadyTimeout = time.Second

	_, err := f.mgr.Up(ctx, spec)
	assert.ErrorIs(t, err, osaccess.ErrNotReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, vm.StatePurged, f.record(t, "t-0").State)
}

func TestProvisionPurgesLeftovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	stale := f.vbox.VM("t-0")
	require.NoError(t, os.MkdirAll(stale.Dir(), 0755))
	require.NoError(t, os.WriteFile(stale.SettingsPath(), []byte("<stale/>"), 0644))

	mc, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	defer mc.Teardown(ctx)

	assert.Equal(t, 1, f.runner.Count("unregistervm"))
	assert.Equal(t, 1, f.runner.Count("registervm"))
	b, err := os.ReadFile(stale.SettingsPath())
	require.NoError(t, err)
	assert.NotEqual(t, "<stale/>", string(b))
}

func TestWithTearsDownOnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	boom := errors.New("boom")

	var name string
	err := f.mgr.With(ctx, f.spec(t), func(_ context.Context, mc *vm.Machine) error {
		name = mc.Name()
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, vm.StatePurged, f.record(t, name).State)
	assert.Empty(t, f.mgr.Machines())
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.runner.Reply("", "controlvm", "t-0", "acpipowerbutton")
	f.runner.Reply(`VMState="poweroff"`, "showvminfo")

	mc, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	defer mc.Teardown(ctx)

	require.NoError(t, mc.Stop(ctx, 5*time.Second))
	assert.Equal(t, vm.StateStopped, mc.State())
	assert.Equal(t, vm.StateStopped, f.record(t, "t-0").State)
}

func TestManagerPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	require.NoError(t, vm.NewStateFile(f.stateDir, "t-9").Save(&vm.Record{Name: "t-9", State: vm.StateRunning}))

	require.NoError(t, f.mgr.Purge(ctx, "t-9"))
	assert.Equal(t, vm.StatePurged, f.record(t, "t-9").State)

	mc, err := f.mgr.Up(ctx, f.spec(t))
	require.NoError(t, err)
	defer mc.Teardown(ctx)
	assert.ErrorIs(t, f.mgr.Purge(ctx, mc.Name()), vm.ErrMachineInUse)

	recs, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "t-0", recs[0].Name)
	assert.Equal(t, filepath.Join(f.stateDir, "t-0.json"), vm.NewStateFile(f.stateDir, "t-0").Path())
}

func TestForwardsExceedSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	spec := f.spec(t)
	for p := range 6 {
		spec.GuestPorts = append(spec.GuestPorts, vm.GuestPort{Protocol: "tcp", Port: 8000 + p})
	}

	_, err := f.mgr.Up(ctx, spec)
	assert.Error(t, err)
	assert.Zero(t, f.runner.Count("registervm"))
}

//go:build !windows

package osaccess

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/internal/testutil"
	"github.com/javanstorm/vmlab/pkg/hypervisor"
	"github.com/javanstorm/vmlab/pkg/remotefs"
)

var showStatus = []string{"systemctl", "show", "-p", "SubState,MainPID,LoadState"}

func newAccess(t *testing.T) (*Access, *testutil.ScriptedShell) {
	t.Helper()
	sh := testutil.NewScriptedShell()
	ports := hypervisor.NewPortMap([]hypervisor.PortForward{{Protocol: "tcp", HostPort: 40022, GuestPort: 22}})
	a := New("127.0.0.1", ports, sh, remotefs.NewLocal())
	t.Cleanup(func() {
		a.Close()
		// Scripted commands finish at once; a run held open for long was
		// only released by its timeout.
		assert.Less(t, sh.MaxLag(), 2*time.Second, "command outlived its process")
	})
	return a, sh
}

func TestWaitReady(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("SubState=running\nMainPID=12\nLoadState=loaded\n", append(showStatus, "tgt.service")...)

	require.NoError(t, a.WaitReady(context.Background(), 5*time.Second))
	assert.Equal(t, "127.0.0.1:40022", a.Netloc())
}

func TestWaitReadyServiceNotInstalled(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("SubState=dead\nMainPID=0\nLoadState=not-found\n", showStatus...)

	assert.NoError(t, a.WaitReady(context.Background(), 5*time.Second))
}

func TestWaitReadyWaitsForService(t *testing.T) {
	a, sh := newAccess(t)
	sh.Steps(showStatus,
		testutil.Response{Stdout: "SubState=start\nMainPID=0\nLoadState=loaded\n"},
		testutil.Response{Stdout: "SubState=running\nMainPID=7\nLoadState=loaded\n"},
	)

	require.NoError(t, a.WaitReady(context.Background(), 10*time.Second))
	assert.GreaterOrEqual(t, len(sh.Calls()), 2)
}

func TestWaitReadyTimeout(t *testing.T) {
	a, sh := newAccess(t)
	sh.SetWorking(false)
	sh.Reply("SubState=running\nMainPID=12\nLoadState=loaded\n", showStatus...)

	err := a.WaitReady(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, errShellDown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPort(t *testing.T) {
	a, _ := newAccess(t)
	p, err := a.Port("tcp", 22)
	require.NoError(t, err)
	assert.Equal(t, 40022, p)
	_, err = a.Port("udp", 53)
	assert.Error(t, err)
}

func TestPathUsesFilesystem(t *testing.T) {
	a, _ := newAccess(t)
	dir := t.TempDir()
	p, err := a.Path(context.Background(), dir, "x.txt")
	require.NoError(t, err)
	require.NoError(t, p.WriteBytes(context.Background(), []byte("x")))
	assert.FileExists(t, dir+"/x.txt")
}

func TestDialLinuxNeedsSSHPort(t *testing.T) {
	_, err := DialLinux("127.0.0.1", hypervisor.NewPortMap(nil), "root", "/nonexistent")
	assert.Error(t, err)
}

func TestHomeAndUser(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("tester\n", "whoami")
	sh.Reply("tester:x:1000:1000::/home/tester:/bin/bash\n", "getent", "passwd", "tester")
	sh.Fail(2, "", "getent", "passwd", "ghost")

	home, err := a.Home(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "/home/tester", home)
	_, err = a.User(context.Background())
	require.NoError(t, err)

	whoami := 0
	for _, c := range sh.Calls() {
		if c[0] == "whoami" {
			whoami++
		}
	}
	assert.Equal(t, 1, whoami)

	_, err = a.Home(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEnvAndHostname(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("HOME=/root\nPATH=/usr/bin:/bin\nEMPTY=\n", "env")
	sh.Reply("guest-1\n", "hostname")

	env, err := a.Env(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOME": "/root", "PATH": "/usr/bin:/bin", "EMPTY": ""}, env)

	name, err := a.Hostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "guest-1", name)
}

func TestVolumes(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("Mounted on          1B-blocks       Avail\n/              20971520000 10485760000\n/boot            524288000   262144000\n", "df")

	vols, err := a.Volumes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Disk{Total: 20971520000, Free: 10485760000}, vols["/"])
	assert.Equal(t, Disk{Total: 524288000, Free: 262144000}, vols["/boot"])
}

func TestFileMD5(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("d41d8cd98f00b204e9800998ecf8427e */tmp/empty\n", "md5sum", "--binary", "/tmp/empty")
	sh.Reply("garbage\n", "md5sum", "--binary", "/tmp/bad")

	sum, err := a.FileMD5(context.Background(), "/tmp/empty")
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", sum)
	_, err = a.FileMD5(context.Background(), "/tmp/bad")
	assert.Error(t, err)
}

func TestDatetime(t *testing.T) {
	a, sh := newAccess(t)
	sh.Reply("2024-03-01 12:30:45.123456789+02:00\n", "date")

	got, err := a.Datetime(context.Background())
	require.NoError(t, err)
	want := time.Date(2024, 3, 1, 10, 30, 45, 123456789, time.UTC)
	assert.True(t, want.Equal(got), "got %s", got)
}

func TestKillAllAndPID(t *testing.T) {
	a, sh := newAccess(t)
	sh.Fail(1, "sleep: no process found\n", "killall")
	sh.Reply("  123\n  456\n", "ps", "--no-headers", "-o", "pid", "-C", "sleep")
	sh.Fail(1, "", "ps", "--no-headers", "-o", "pid", "-C", "nothing")

	assert.NoError(t, a.KillAllByName(context.Background(), "sleep"))
	pid, err := a.PIDByName(context.Background(), "sleep")
	require.NoError(t, err)
	assert.Equal(t, 123, pid)
	_, err = a.PIDByName(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestReboot(t *testing.T) {
	rebootSettle, rebootRetry = 10*time.Millisecond, 10*time.Millisecond
	t.Cleanup(func() { rebootSettle, rebootRetry = 3*time.Second, time.Second })

	a, sh := newAccess(t)
	sh.Steps([]string{"last", "reboot"},
		testutil.Response{Stdout: "reboot system boot 5.15 Mon Mar 1 10:00\n"},
		testutil.Response{Code: 255, Stderr: "connection refused"},
		testutil.Response{Stdout: "reboot system boot 5.15 Mon Mar 1 10:00\n"},
		testutil.Response{Stdout: "reboot system boot 5.15 Mon Mar 1 10:05\nreboot system boot 5.15 Mon Mar 1 10:00\n"},
	)
	sh.Reply("", "reboot")

	require.NoError(t, a.Reboot(context.Background(), 10*time.Second))
	assert.Contains(t, sh.Calls(), []string{"reboot"})
}

func TestRebootTimeout(t *testing.T) {
	rebootSettle, rebootRetry = 10*time.Millisecond, 10*time.Millisecond
	t.Cleanup(func() { rebootSettle, rebootRetry = 3*time.Second, time.Second })

	a, sh := newAccess(t)
	sh.Reply("same\n", "last", "reboot")
	sh.Reply("", "reboot")

	err := a.Reboot(context.Background(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrRebootTimeout)
}

func TestParseInetAddresses(t *testing.T) {
	out := `2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc fq_codel state UP group default qlen 1000
    inet 10.0.2.15/24 brd 10.0.2.255 scope global dynamic eth0
       valid_lft 86000sec preferred_lft 86000sec
3: eth1: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500
    inet 192.168.56.10/24 scope global eth1
`
	addrs, err := parseInetAddresses(out)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.2.15/24"),
		netip.MustParsePrefix("192.168.56.10/24"),
	}, addrs)
}

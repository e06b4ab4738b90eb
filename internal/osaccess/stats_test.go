//go:build !windows

package osaccess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/internal/testutil"
)

func TestCPUUsage(t *testing.T) {
	a, sh := newAccess(t)
	sh.Steps([]string{"head", "-n", "1", "/proc/stat"},
		testutil.Response{Stdout: "cpu  100 0 100 700 100 0 0 0 0 0\n"},
		testutil.Response{Stdout: "cpu  160 0 120 710 110 0 0 0 0 0\n"},
	)

	first, err := a.CPUUsage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.2, first, 1e-9)

	second, err := a.CPUUsage(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.8, second, 1e-9)
}

func TestParseDiskstats(t *testing.T) {
	out := `   8       0 sda 100 0 2000 0 50 0 4000 0 0 0 0 0 0 0 0
   8       1 sda1 90 0 1800 0 45 0 3600 0 0 0 0 0 0 0 0
 259       0 nvme0n1 10 0 80 0 5 0 40 0 0 0 0 0 0 0 0
   7       0 loop0 1 0 2 0 0 0 0 0 0 0 0 0 0 0 0
`
	m, err := parseDiskstats(out)
	require.NoError(t, err)
	assert.Equal(t, map[string]diskCounters{
		"sda":     {reads: 100, readSectors: 2000, writes: 50, writeSectors: 4000},
		"nvme0n1": {reads: 10, readSectors: 80, writes: 5, writeSectors: 40},
	}, m)
}

func TestDiskRates(t *testing.T) {
	before := map[string]diskCounters{"vda": {reads: 10, readSectors: 100, writes: 5, writeSectors: 50}}
	after := map[string]diskCounters{
		"vda": {reads: 30, readSectors: 300, writes: 9, writeSectors: 450},
		"vdb": {reads: 1},
	}
	rates := diskRates(before, after, 2*time.Second)
	assert.Equal(t, []DiskRate{{
		Device:           "vda",
		ReadBytesPerSec:  200 * 512 / 2,
		WriteBytesPerSec: 400 * 512 / 2,
		ReadOpsPerSec:    10,
		WriteOpsPerSec:   2,
	}}, rates)
}

func TestDiskIO(t *testing.T) {
	a, sh := newAccess(t)
	sh.Steps([]string{"cat", "/proc/diskstats"},
		testutil.Response{Stdout: "253 0 vda 10 0 100 0 5 0 50 0 0 0 0\n"},
		testutil.Response{Stdout: "253 0 vda 20 0 1100 0 5 0 50 0 0 0 0\n"},
	)

	rates, err := a.DiskIO(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "vda", rates[0].Device)
	assert.Zero(t, rates[0].WriteBytesPerSec)
	// Reads and read bytes scale by the same elapsed time.
	assert.InDelta(t, 1000*512/10.0, rates[0].ReadBytesPerSec/rates[0].ReadOpsPerSec, 1e-6)
}

func TestProcessTicks(t *testing.T) {
	line := "42 (my (odd) proc) S 1 42 42 0 -1 4194560 100 0 0 0 7 3 2 1 20 0 1 0 100 1000 10"
	ticks, err := processTicks(line)
	require.NoError(t, err)
	assert.Equal(t, 13.0, ticks)
}

func TestProcessCPU(t *testing.T) {
	a, sh := newAccess(t)
	sh.Steps([]string{"cat", "/proc/42/stat", "/proc/stat"},
		testutil.Response{Stdout: "42 (app) S 1 42 42 0 -1 0 0 0 0 0 10 10 0 0 20 0 1 0 1 1 1\ncpu  1000 0 0 1000 0 0 0 0 0 0\n"},
		testutil.Response{Stdout: "42 (app) S 1 42 42 0 -1 0 0 0 0 0 30 20 0 0 20 0 1 0 1 1 1\ncpu  1100 0 0 1100 0 0 0 0 0 0\n"},
	)

	share, err := a.ProcessCPU(context.Background(), 42, 10*time.Millisecond)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, share, 1e-9)
}

package osaccess

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// /proc/diskstats counts in 512-byte sectors whatever the device uses.
const diskstatsSector = 512

type cpuTimes struct {
	used float64
	idle float64
}

// parseCPULine reads the aggregate "cpu" line of /proc/stat.
func parseCPULine(line string) (cpuTimes, error) {
	f := strings.Fields(line)
	if len(f) < 9 || f[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected /proc/stat line %q", line)
	}
	v := make([]float64, 8)
	for i := range v {
		x, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("/proc/stat: %w", err)
		}
		v[i] = x
	}
	// user nice system idle iowait irq softirq steal
	return cpuTimes{
		used: v[0] + v[1] + v[2] + v[5] + v[6] + v[7],
		idle: v[3] + v[4],
	}, nil
}

// CPUUsage returns the busy fraction of all CPUs since the previous
// call, or since boot on the first call.
func (a *Access) CPUUsage(ctx context.Context) (float64, error) {
	out, err := a.output(ctx, "head", "-n", "1", "/proc/stat")
	if err != nil {
		return 0, err
	}
	cur, err := parseCPULine(out)
	if err != nil {
		return 0, err
	}
	a.cpuMu.Lock()
	prev := a.cpuPrev
	a.cpuPrev = cur
	a.cpuMu.Unlock()
	used, idle := cur.used-prev.used, cur.idle-prev.idle
	if used+idle <= 0 {
		return 0, nil
	}
	return used / (used + idle), nil
}

// DiskRate is the I/O throughput of one block device.
type DiskRate struct {
	Device           string
	ReadBytesPerSec  float64
	WriteBytesPerSec float64
	ReadOpsPerSec    float64
	WriteOpsPerSec   float64
}

type diskCounters struct {
	reads, readSectors, writes, writeSectors uint64
}

var diskRe = regexp.MustCompile(`^(sd[a-z]+|vd[a-z]+|xvd[a-z]+|nvme\d+n\d+)$`)

func parseDiskstats(out string) (map[string]diskCounters, error) {
	m := make(map[string]diskCounters)
	for line := range strings.SplitSeq(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 14 || !diskRe.MatchString(f[2]) {
			continue
		}
		var v [4]uint64
		for i, idx := range []int{3, 5, 7, 9} {
			x, err := strconv.ParseUint(f[idx], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("/proc/diskstats %s: %w", f[2], err)
			}
			v[i] = x
		}
		m[f[2]] = diskCounters{reads: v[0], readSectors: v[1], writes: v[2], writeSectors: v[3]}
	}
	return m, nil
}

func (a *Access) diskstats(ctx context.Context) (map[string]diskCounters, time.Time, error) {
	out, err := a.output(ctx, "cat", "/proc/diskstats")
	if err != nil {
		return nil, time.Time{}, err
	}
	at := time.Now()
	m, err := parseDiskstats(out)
	return m, at, err
}

// DiskIO samples /proc/diskstats twice, interval apart, and returns the
// rates of the whole disks present in both samples.
func (a *Access) DiskIO(ctx context.Context, interval time.Duration) ([]DiskRate, error) {
	before, t0, err := a.diskstats(ctx)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, interval); err != nil {
		return nil, err
	}
	after, t1, err := a.diskstats(ctx)
	if err != nil {
		return nil, err
	}
	return diskRates(before, after, t1.Sub(t0)), nil
}

func diskRates(before, after map[string]diskCounters, elapsed time.Duration) []DiskRate {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return nil
	}
	var rates []DiskRate
	for _, dev := range slices.Sorted(maps.Keys(after)) {
		b, ok := before[dev]
		if !ok {
			continue
		}
		c := after[dev]
		rates = append(rates, DiskRate{
			Device:           dev,
			ReadBytesPerSec:  float64((c.readSectors-b.readSectors)*diskstatsSector) / secs,
			WriteBytesPerSec: float64((c.writeSectors-b.writeSectors)*diskstatsSector) / secs,
			ReadOpsPerSec:    float64(c.reads-b.reads) / secs,
			WriteOpsPerSec:   float64(c.writes-b.writes) / secs,
		})
	}
	return rates
}

// processTicks sums utime, stime, cutime and cstime from /proc/PID/stat.
func processTicks(line string) (float64, error) {
	// The command name may contain spaces; fields resume after ")".
	i := strings.LastIndexByte(line, ')')
	if i < 0 {
		return 0, fmt.Errorf("unexpected process stat %q", line)
	}
	f := strings.Fields(line[i+1:])
	if len(f) < 15 {
		return 0, fmt.Errorf("short process stat %q", line)
	}
	var sum float64
	for _, s := range f[11:15] {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("process stat: %w", err)
		}
		sum += x
	}
	return sum, nil
}

func (a *Access) processSample(ctx context.Context, pid int) (proc, total float64, err error) {
	out, err := a.output(ctx, "cat", fmt.Sprintf("/proc/%d/stat", pid), "/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	lines := strings.SplitN(out, "\n", 3)
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected stat output %q", out)
	}
	if proc, err = processTicks(lines[0]); err != nil {
		return 0, 0, err
	}
	cpu, err := parseCPULine(lines[1])
	if err != nil {
		return 0, 0, err
	}
	return proc, cpu.used + cpu.idle, nil
}

// ProcessCPU returns the share of total CPU time the process and its
// reaped children used over interval.
func (a *Access) ProcessCPU(ctx context.Context, pid int, interval time.Duration) (float64, error) {
	p0, t0, err := a.processSample(ctx, pid)
	if err != nil {
		return 0, err
	}
	if err := sleep(ctx, interval); err != nil {
		return 0, err
	}
	p1, t1, err := a.processSample(ctx, pid)
	if err != nil {
		return 0, err
	}
	if t1 <= t0 {
		return 0, nil
	}
	return (p1 - p0) / (t1 - t0), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

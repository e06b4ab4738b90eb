// Package timing records how long the phases of a VM operation take.
package timing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/log"
)

// Timer tracks durations of named phases.
type Timer struct {
	mu     sync.Mutex
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a named phase ending now. Duration is time since the
// previous mark, or since start for the first one.
func (t *Timer) Mark(ctx context.Context, name string) time.Duration {
	t.mu.Lock()
	now := time.Now()
	d := now.Sub(t.last)
	t.last = now
	t.phases = append(t.phases, Phase{Name: name, Duration: d})
	t.mu.Unlock()

	log.G(ctx).WithField("phase", name).WithField("duration", d).Debug("phase done")
	return d
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Report prints a timing summary under title.
func (t *Timer) Report(w io.Writer, title string) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

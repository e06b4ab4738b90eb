package remote

import (
	"io"
	"time"
)

const (
	ctrlC = 0x03
	ctrlD = 0x04

	eofInterval = 500 * time.Millisecond
	eofWindow   = 30 * time.Second
)

// interrupt stops a program attached to a terminal the way a user would:
// Ctrl+C twice, then Ctrl+D until it exits or the window elapses. There
// is no guarantee the program honors either, so the caller still has to
// wait for the exit.
func interrupt(w io.Writer, exited <-chan struct{}) error {
	if _, err := w.Write([]byte{ctrlC, ctrlC}); err != nil {
		return err
	}
	deadline := time.Now().Add(eofWindow)
	t := time.NewTicker(eofInterval)
	defer t.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return nil
		case <-t.C:
		}
		if _, err := w.Write([]byte{ctrlD}); err != nil {
			// The terminal is gone; the process is on its way out.
			return nil
		}
	}
	return nil
}

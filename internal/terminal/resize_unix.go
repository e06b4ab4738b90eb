//go:build !windows

package terminal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
)

// forwardResizes reports the current size and every SIGWINCH to
// resize until the returned stop is called.
func (c *Console) forwardResizes(ctx context.Context, resize ResizeFunc) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	sigCh <- syscall.SIGWINCH

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				w, h := c.Size()
				if err := resize(w, h); err != nil {
					log.G(ctx).WithError(err).Debug("resize guest terminal")
				}
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

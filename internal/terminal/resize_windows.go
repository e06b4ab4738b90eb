//go:build windows

package terminal

import "context"

// forwardResizes reports the size once; consoles on Windows do not
// signal resizes.
func (c *Console) forwardResizes(ctx context.Context, resize ResizeFunc) (stop func()) {
	w, h := c.Size()
	_ = resize(w, h)
	return func() {}
}

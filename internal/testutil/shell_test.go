//go:build !windows

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/pkg/remote"
)

func TestScriptedShell(t *testing.T) {
	ctx := context.Background()
	sh := NewScriptedShell()
	sh.Reply("host-1\n", "hostname")
	sh.Fail(2, "no such file\n", "cat")

	out, _, err := remote.Exec(ctx, sh, remote.Command{Args: []string{"hostname"}}, nil, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "host-1\n", string(out))

	_, _, err = remote.Exec(ctx, sh, remote.Command{Args: []string{"cat", "/missing"}}, []byte("in"), 30*time.Second)
	var ee *remote.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 2, ee.Code)
	assert.Equal(t, []byte("in"), sh.Input("cat"))

	assert.Equal(t, [][]string{{"hostname"}, {"cat", "/missing"}}, sh.Calls())
	assert.Less(t, sh.MaxLag(), time.Second)
}

func TestScriptedShellDelay(t *testing.T) {
	sh := NewScriptedShell()
	sh.Steps([]string{"sleep"}, Response{Delay: 300 * time.Millisecond})

	start := time.Now()
	_, _, err := remote.Exec(context.Background(), sh, remote.Command{Args: []string{"sleep"}}, nil, 30*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Less(t, sh.MaxLag(), time.Second)
}

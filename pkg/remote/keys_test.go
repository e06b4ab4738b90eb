package remote_test

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/pkg/remote"
)

func TestKeysEnsure(t *testing.T) {
	k := remote.NewKeys(t.TempDir())
	require.False(t, k.Exists())
	require.NoError(t, k.Ensure())
	require.True(t, k.Exists())

	info, err := os.Stat(k.PrivatePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	line, err := k.AuthorizedKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(line, " vmlab\n"))

	_, err = remote.LoadSigner(k.PrivatePath())
	assert.NoError(t, err)
}

func TestKeysEnsureIsIdempotent(t *testing.T) {
	k := remote.NewKeys(t.TempDir())
	require.NoError(t, k.Ensure())
	first, err := os.ReadFile(k.PrivatePath())
	require.NoError(t, err)

	require.NoError(t, k.Ensure())
	second, err := os.ReadFile(k.PrivatePath())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAuthorizedKeyMissing(t *testing.T) {
	_, err := remote.NewKeys(t.TempDir()).AuthorizedKey()
	assert.ErrorContains(t, err, "ssh keygen")
}

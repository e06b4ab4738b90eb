//go:build !windows

package remotefs_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmlab/pkg/remotefs"
)

// backends returns every transport that can run without a guest. The
// SFTP one talks to an in-process server over a pipe.
func backends(t *testing.T) map[string]*remotefs.FS {
	t.Helper()
	c1, c2 := net.Pipe()
	srv, err := sftp.NewServer(c2)
	require.NoError(t, err)
	go srv.Serve()
	client, err := sftp.NewClientPipe(c1, c1)
	require.NoError(t, err)
	sftpFS := remotefs.NewSFTPClient(client, "sftp://test")
	t.Cleanup(func() {
		sftpFS.Close()
		srv.Close()
	})
	return map[string]*remotefs.FS{
		"local": remotefs.NewLocal(),
		"sftp":  sftpFS,
	}
}

func forEach(t *testing.T, fn func(t *testing.T, fsys *remotefs.FS, root string)) {
	for name, fsys := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, fsys, t.TempDir())
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadWrite(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		p := fsys.Path(root, "a.txt")
		require.NoError(t, p.WriteBytes(ctx, []byte("hello")))
		got, err := p.ReadBytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))

		require.NoError(t, p.WriteBytes(ctx, []byte("x")))
		got, err = p.ReadBytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, "x", string(got))
	})
}

func TestReadErrors(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		_, err := fsys.Path(root, "missing").ReadBytes(ctx)
		assert.ErrorIs(t, err, remotefs.ErrFileNotFound)

		_, err = fsys.Path(root).ReadBytes(ctx)
		assert.ErrorIs(t, err, remotefs.ErrIsADirectory)
		var pe *remotefs.PathError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "read", pe.Op)
	})
}

func TestWriteErrors(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		writeFile(t, filepath.Join(root, "file"), "")

		err := fsys.Path(root, "no", "such", "x").WriteBytes(ctx, nil)
		assert.Equal(t, remotefs.KindFileNotFound, remotefs.KindOf(err))

		err = fsys.Path(root, "file", "x").WriteBytes(ctx, nil)
		assert.Equal(t, remotefs.KindNotADirectory, remotefs.KindOf(err))

		err = fsys.Path(root).WriteBytes(ctx, nil)
		assert.Equal(t, remotefs.KindIsADirectory, remotefs.KindOf(err))
	})
}

func TestMkdir(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		writeFile(t, filepath.Join(root, "file"), "")

		require.NoError(t, fsys.Path(root, "d").Mkdir(ctx, false, false))
		assert.DirExists(t, filepath.Join(root, "d"))

		err := fsys.Path(root, "d").Mkdir(ctx, false, false)
		assert.ErrorIs(t, err, remotefs.ErrFileExists)
		assert.NoError(t, fsys.Path(root, "d").Mkdir(ctx, false, true))

		err = fsys.Path(root, "x", "y").Mkdir(ctx, false, false)
		assert.ErrorIs(t, err, remotefs.ErrFileNotFound)
		require.NoError(t, fsys.Path(root, "x", "y", "z").Mkdir(ctx, true, false))
		assert.DirExists(t, filepath.Join(root, "x", "y", "z"))

		err = fsys.Path(root, "file").Mkdir(ctx, false, true)
		assert.ErrorIs(t, err, remotefs.ErrFileExists)
		err = fsys.Path(root, "file", "sub").Mkdir(ctx, true, true)
		assert.ErrorIs(t, err, remotefs.ErrNotADirectory)
	})
}

func TestRemoveAndRmdir(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "full"), 0o755))
		writeFile(t, filepath.Join(root, "full", "f"), "")
		require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
		writeFile(t, filepath.Join(root, "file"), "")

		assert.ErrorIs(t, fsys.Path(root, "full").Remove(ctx), remotefs.ErrIsADirectory)
		assert.ErrorIs(t, fsys.Path(root, "missing").Remove(ctx), remotefs.ErrFileNotFound)
		assert.ErrorIs(t, fsys.Path(root, "file").Rmdir(ctx), remotefs.ErrNotADirectory)
		assert.ErrorIs(t, fsys.Path(root, "full").Rmdir(ctx), remotefs.ErrNotEmpty)

		require.NoError(t, fsys.Path(root, "file").Remove(ctx))
		require.NoError(t, fsys.Path(root, "empty").Rmdir(ctx))
		assert.NoFileExists(t, filepath.Join(root, "file"))
		assert.NoDirExists(t, filepath.Join(root, "empty"))
	})
}

func TestRename(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		writeFile(t, filepath.Join(root, "a"), "A")
		writeFile(t, filepath.Join(root, "b"), "B")

		err := fsys.Path(root, "a").Rename(ctx, fsys.Path(root, "b"))
		assert.ErrorIs(t, err, remotefs.ErrFileExists)
		err = fsys.Path(root, "missing").Rename(ctx, fsys.Path(root, "c"))
		assert.ErrorIs(t, err, remotefs.ErrFileNotFound)

		require.NoError(t, fsys.Path(root, "a").Rename(ctx, fsys.Path(root, "c")))
		assert.NoFileExists(t, filepath.Join(root, "a"))
		assert.FileExists(t, filepath.Join(root, "c"))
	})
}

func TestStatListExists(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		writeFile(t, filepath.Join(root, "b.log"), "12345")
		writeFile(t, filepath.Join(root, "a.log"), "")
		writeFile(t, filepath.Join(root, "c.txt"), "")

		info, err := fsys.Path(root, "b.log").Stat(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, info.Size())
		assert.False(t, info.IsDir())

		_, err = fsys.Path(root, "missing").Stat(ctx)
		assert.ErrorIs(t, err, remotefs.ErrFileNotFound)

		entries, err := fsys.Path(root).List(ctx)
		require.NoError(t, err)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		assert.Equal(t, []string{"a.log", "b.log", "c.txt"}, names)

		_, err = fsys.Path(root, "c.txt").List(ctx)
		assert.ErrorIs(t, err, remotefs.ErrNotADirectory)

		ok, err := fsys.Path(root, "a.log").Exists(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = fsys.Path(root, "nope").Exists(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		logs, err := fsys.Path(root).Glob(ctx, "*.log")
		require.NoError(t, err)
		assert.Len(t, logs, 2)
		none, err := fsys.Path(root, "missing").Glob(ctx, "*")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestRemoveAll(t *testing.T) {
	forEach(t, func(t *testing.T, fsys *remotefs.FS, root string) {
		ctx := context.Background()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "tree", "a", "b"), 0o755))
		writeFile(t, filepath.Join(root, "tree", "a", "b", "f"), "x")
		writeFile(t, filepath.Join(root, "tree", "g"), "y")

		require.NoError(t, fsys.Path(root, "tree").RemoveAll(ctx))
		assert.NoDirExists(t, filepath.Join(root, "tree"))
		assert.NoError(t, fsys.Path(root, "tree").RemoveAll(ctx))
	})
}

func TestTakeFrom(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := remotefs.NewLocal().Path(root)

	p, err := remotefs.TakeFrom(ctx, dir, "tool.sh", []byte("#!/bin/sh\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tool.sh"), p.String())

	info, err := os.Stat(filepath.Join(root, "tool.sh"))
	require.NoError(t, err)
	_, err = remotefs.TakeFrom(ctx, dir, "tool.sh", []byte("#!/bin/sh\n"))
	require.NoError(t, err)
	again, err := os.Stat(filepath.Join(root, "tool.sh"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())
}

func TestPathNavigation(t *testing.T) {
	p := remotefs.NewLocal().Path("var", "log", "syslog")
	assert.Equal(t, "/var/log/syslog", p.String())
	assert.Equal(t, "syslog", p.Name())
	assert.Equal(t, "/var/log", p.Parent().String())
	assert.Equal(t, "/var/log/a/b", p.Parent().Join("a", "b").String())
}

package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTP status codes from draft-ietf-secsh-filexfer-02.
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
)

// NewSFTP opens an SFTP subsystem on an established SSH connection.
func NewSFTP(conn *ssh.Client) (*FS, error) {
	c, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("remotefs: start sftp: %w", err)
	}
	return NewSFTPClient(c, "sftp://"+conn.User()+"@"+conn.RemoteAddr().String()), nil
}

// NewSFTPClient wraps an SFTP client. The FS takes ownership of it.
func NewSFTPClient(c *sftp.Client, name string) *FS {
	return &FS{drv: &sftpDriver{c: c}, name: name}
}

type sftpDriver struct {
	c *sftp.Client
}

func (d *sftpDriver) readFile(_ context.Context, p string) ([]byte, error) {
	f, err := d.c.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (d *sftpDriver) writeFile(_ context.Context, p string, data []byte) error {
	f, err := d.c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *sftpDriver) mkdir(_ context.Context, p string) error {
	return d.c.Mkdir(p)
}

func (d *sftpDriver) remove(_ context.Context, p string) error {
	return d.c.Remove(p)
}

func (d *sftpDriver) rmdir(_ context.Context, p string) error {
	return d.c.RemoveDirectory(p)
}

func (d *sftpDriver) rename(_ context.Context, from, to string) error {
	return d.c.Rename(from, to)
}

func (d *sftpDriver) stat(_ context.Context, p string) (fs.FileInfo, error) {
	return d.c.Stat(p)
}

func (d *sftpDriver) readDir(_ context.Context, p string) ([]fs.FileInfo, error) {
	return d.c.ReadDir(p)
}

// classify maps what SFTP v3 can express. Everything else arrives as a
// generic failure and is resolved by the caller from the tree state.
func (d *sftpDriver) classify(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return KindFileExists
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxNoSuchFile:
			return KindFileNotFound
		case fxPermissionDenied:
			return KindPermissionDenied
		}
	}
	return KindUnknown
}

func (d *sftpDriver) close() error {
	return d.c.Close()
}

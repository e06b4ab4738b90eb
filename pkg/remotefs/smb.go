package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/hirochachacha/go-smb2"

	"github.com/javanstorm/vmlab/internal/retry"
)

// NTSTATUS values, see MS-ERREF 2.3.1.
const (
	statusNoSuchFile          = 0xC000000F
	statusAccessDenied        = 0xC0000022
	statusObjectNameNotFound  = 0xC0000034
	statusObjectNameCollision = 0xC0000035
	statusObjectPathNotFound  = 0xC000003A
	statusSharingViolation    = 0xC0000043
	statusDeletePending       = 0xC0000056
	statusFileIsADirectory    = 0xC00000BA
	statusNetworkNameDeleted  = 0xC00000C9
	statusDirectoryNotEmpty   = 0xC0000101
	statusNotADirectory       = 0xC0000103
	statusCannotDelete        = 0xC0000121
	statusUserSessionDeleted  = 0xC0000203
	statusRequestNotAccepted  = 0xC00000D0
)

const smbDialTimeout = 10 * time.Second

// SMBConfig addresses an SMB server.
type SMBConfig struct {
	Addr     string // host:port
	User     string
	Password string
	Domain   string
}

// NewSMB returns the filesystem served over SMB. The first path element
// names the share; a drive letter such as "C:" maps to the administrative
// share "C$". The connection is made on first use.
func NewSMB(cfg SMBConfig) *FS {
	return &FS{drv: &smbDriver{cfg: cfg}, name: "smb://" + cfg.User + "@" + cfg.Addr}
}

type smbDriver struct {
	cfg SMBConfig

	mu     sync.Mutex
	conn   net.Conn
	sess   *smb2.Session
	shares map[string]*smb2.Share
}

func (d *smbDriver) share(ctx context.Context, name string) (*smb2.Share, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sh, ok := d.shares[name]; ok {
		return sh, nil
	}
	if d.sess == nil {
		dialer := net.Dialer{Timeout: smbDialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("remotefs: dial %s: %w", d.cfg.Addr, err)
		}
		sd := &smb2.Dialer{Initiator: &smb2.NTLMInitiator{
			User:     d.cfg.User,
			Password: d.cfg.Password,
			Domain:   d.cfg.Domain,
		}}
		sess, err := sd.DialContext(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("remotefs: smb session with %s: %w", d.cfg.Addr, err)
		}
		d.conn, d.sess = conn, sess
		d.shares = make(map[string]*smb2.Share)
		log.G(ctx).WithField("addr", d.cfg.Addr).Debug("smb connected")
	}
	host, _, _ := net.SplitHostPort(d.cfg.Addr)
	sh, err := d.sess.Mount(`\\` + host + `\` + name)
	if err != nil {
		return nil, err
	}
	d.shares[name] = sh
	return sh, nil
}

func (d *smbDriver) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sh := range d.shares {
		sh.Umount()
	}
	d.shares = nil
	if d.sess != nil {
		d.sess.Logoff()
		d.sess = nil
	}
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// split turns "/C:/Windows/Temp" into the share "C$" and the name
// `Windows\Temp`.
func split(p string) (share, name string, err error) {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", fmt.Errorf("remotefs: %q names no share", p)
	}
	share = parts[0]
	if len(share) == 2 && share[1] == ':' {
		share = share[:1] + "$"
	}
	return share, strings.Join(parts[1:], `\`), nil
}

func smbStatus(err error) (uint32, bool) {
	var re *smb2.ResponseError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

func reconnectable(err error) bool {
	if code, ok := smbStatus(err); ok {
		return code == statusUserSessionDeleted || code == statusNetworkNameDeleted
	}
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed)
}

func busy(err error) bool {
	code, ok := smbStatus(err)
	return ok && (code == statusDeletePending || code == statusSharingViolation)
}

// do runs fn on the share holding p. Files held open by guest processes
// are retried for a few seconds, and a session dropped by the server is
// re-established once.
func (d *smbDriver) do(ctx context.Context, p string, fn func(sh *smb2.Share, name string) error) error {
	share, name, err := split(p)
	if err != nil {
		return err
	}
	attempt := func(ctx context.Context) error {
		return retry.Do(ctx, retry.Policy{
			Name:        "smb",
			MaxAttempts: 3,
			Delay:       retry.Constant(2 * time.Second),
			Retryable:   busy,
		}, func(ctx context.Context) error {
			sh, err := d.share(ctx, share)
			if err != nil {
				return err
			}
			return fn(sh.WithContext(ctx), name)
		})
	}
	err = attempt(ctx)
	if err != nil && reconnectable(err) {
		log.G(ctx).WithError(err).Warn("smb session lost, reconnecting")
		d.reset()
		err = attempt(ctx)
	}
	return err
}

func (d *smbDriver) readFile(ctx context.Context, p string) (data []byte, err error) {
	err = d.do(ctx, p, func(sh *smb2.Share, name string) error {
		data, err = sh.ReadFile(name)
		return err
	})
	return data, err
}

func (d *smbDriver) writeFile(ctx context.Context, p string, data []byte) error {
	return d.do(ctx, p, func(sh *smb2.Share, name string) error {
		return sh.WriteFile(name, data, 0o644)
	})
}

func (d *smbDriver) mkdir(ctx context.Context, p string) error {
	return d.do(ctx, p, func(sh *smb2.Share, name string) error {
		return sh.Mkdir(name, 0o755)
	})
}

func (d *smbDriver) remove(ctx context.Context, p string) error {
	return d.do(ctx, p, func(sh *smb2.Share, name string) error {
		return sh.Remove(name)
	})
}

func (d *smbDriver) rmdir(ctx context.Context, p string) error {
	return d.do(ctx, p, func(sh *smb2.Share, name string) error {
		return sh.Remove(name)
	})
}

func (d *smbDriver) rename(ctx context.Context, from, to string) error {
	toShare, toName, err := split(to)
	if err != nil {
		return err
	}
	return d.do(ctx, from, func(sh *smb2.Share, name string) error {
		if fromShare, _, _ := split(from); fromShare != toShare {
			return fmt.Errorf("remotefs: cannot rename across shares %s and %s", fromShare, toShare)
		}
		return sh.Rename(name, toName)
	})
}

func (d *smbDriver) stat(ctx context.Context, p string) (info fs.FileInfo, err error) {
	if strings.Trim(p, "/") == "" {
		return rootInfo{}, nil
	}
	err = d.do(ctx, p, func(sh *smb2.Share, name string) error {
		if name == "" {
			name = "."
		}
		info, err = sh.Stat(name)
		return err
	})
	return info, err
}

func (d *smbDriver) readDir(ctx context.Context, p string) (infos []fs.FileInfo, err error) {
	err = d.do(ctx, p, func(sh *smb2.Share, name string) error {
		if name == "" {
			name = "."
		}
		infos, err = sh.ReadDir(name)
		return err
	})
	return infos, err
}

func (d *smbDriver) classify(err error) Kind {
	if code, ok := smbStatus(err); ok {
		switch code {
		case statusNoSuchFile, statusObjectNameNotFound, statusObjectPathNotFound:
			return KindFileNotFound
		case statusObjectNameCollision:
			return KindFileExists
		case statusNotADirectory:
			return KindNotADirectory
		case statusFileIsADirectory:
			return KindIsADirectory
		case statusAccessDenied, statusSharingViolation, statusRequestNotAccepted:
			return KindPermissionDenied
		case statusDirectoryNotEmpty:
			return KindNotEmpty
		case statusCannotDelete, statusDeletePending:
			return KindCannotDelete
		}
		return KindUnknown
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, fs.ErrExist):
		return KindFileExists
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	}
	return KindUnknown
}

func (d *smbDriver) close() error {
	d.reset()
	return nil
}

// rootInfo describes the virtual directory above the shares.
type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

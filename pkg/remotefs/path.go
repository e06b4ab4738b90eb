// Package remotefs gives uniform access to files on a guest. Paths look
// the same over SFTP, SMB and the local filesystem, and every failure is
// reported as a *PathError with one Kind regardless of transport.
package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/containerd/log"
)

// driver is the set of primitives a transport provides. Errors are
// returned raw and classified by classify.
type driver interface {
	readFile(ctx context.Context, p string) ([]byte, error)
	writeFile(ctx context.Context, p string, data []byte) error
	mkdir(ctx context.Context, p string) error
	remove(ctx context.Context, p string) error
	rmdir(ctx context.Context, p string) error
	rename(ctx context.Context, from, to string) error
	stat(ctx context.Context, p string) (fs.FileInfo, error)
	readDir(ctx context.Context, p string) ([]fs.FileInfo, error)
	classify(err error) Kind
	close() error
}

// FS is a filesystem reachable over one transport.
type FS struct {
	drv  driver
	name string
}

// Path returns the absolute path made of parts.
func (f *FS) Path(parts ...string) Path {
	return &remotePath{fs: f, p: path.Join(append([]string{"/"}, parts...)...)}
}

func (f *FS) String() string { return f.name }

func (f *FS) Close() error { return f.drv.close() }

// Path is a file or directory on a guest.
type Path interface {
	fmt.Stringer
	Name() string
	Parent() Path
	Join(elem ...string) Path

	ReadBytes(ctx context.Context) ([]byte, error)
	WriteBytes(ctx context.Context, data []byte) error
	Mkdir(ctx context.Context, parents, existOK bool) error
	// Remove deletes a file. Directories are refused with KindIsADirectory.
	Remove(ctx context.Context) error
	Rmdir(ctx context.Context) error
	// Rename moves the path. An existing destination is refused with
	// KindFileExists.
	Rename(ctx context.Context, to Path) error
	Stat(ctx context.Context) (fs.FileInfo, error)
	List(ctx context.Context) ([]Path, error)
	Exists(ctx context.Context) (bool, error)
	RemoveAll(ctx context.Context) error
	Glob(ctx context.Context, pattern string) ([]Path, error)
}

type remotePath struct {
	fs *FS
	p  string
}

func (rp *remotePath) String() string { return rp.p }
func (rp *remotePath) Name() string   { return path.Base(rp.p) }

func (rp *remotePath) Parent() Path {
	return &remotePath{fs: rp.fs, p: path.Dir(rp.p)}
}

func (rp *remotePath) Join(elem ...string) Path {
	return &remotePath{fs: rp.fs, p: path.Join(append([]string{rp.p}, elem...)...)}
}

func (rp *remotePath) fail(op string, kind Kind, err error) error {
	return &PathError{Op: op, Path: rp.p, Kind: kind, Err: err}
}

func (rp *remotePath) wrap(op string, err error) error {
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return rp.fail(op, rp.fs.drv.classify(err), err)
}

func (rp *remotePath) ReadBytes(ctx context.Context) ([]byte, error) {
	data, err := rp.fs.drv.readFile(ctx, rp.p)
	if err == nil {
		return data, nil
	}
	kind := rp.fs.drv.classify(err)
	if kind == KindUnknown && rp.isDir(ctx) {
		kind = KindIsADirectory
	}
	return nil, rp.fail("read", kind, err)
}

func (rp *remotePath) WriteBytes(ctx context.Context, data []byte) error {
	err := rp.fs.drv.writeFile(ctx, rp.p, data)
	if err == nil {
		return nil
	}
	kind := rp.fs.drv.classify(err)
	switch kind {
	case KindUnknown, KindFileNotFound, KindNotADirectory:
		if rp.isDir(ctx) {
			kind = KindIsADirectory
			break
		}
		closest, info, _, serr := rp.fs.closestAncestor(ctx, path.Dir(rp.p))
		if serr != nil {
			break
		}
		switch {
		case !info.IsDir():
			return rp.fail("write", KindNotADirectory, fmt.Errorf("closest ancestor %s is not a directory: %w", closest, err))
		case closest != path.Dir(rp.p):
			return rp.fail("write", KindFileNotFound, fmt.Errorf("closest ancestor is %s: %w", closest, err))
		}
	}
	return rp.fail("write", kind, err)
}

func (rp *remotePath) isDir(ctx context.Context) bool {
	info, err := rp.fs.drv.stat(ctx, rp.p)
	return err == nil && info.IsDir()
}

// closestAncestor walks up from p to the nearest existing path. It
// returns that path, its info and the missing paths below it, nearest
// first.
func (f *FS) closestAncestor(ctx context.Context, p string) (string, fs.FileInfo, []string, error) {
	var missing []string
	for {
		info, err := f.drv.stat(ctx, p)
		if err == nil {
			return p, info, missing, nil
		}
		switch f.drv.classify(err) {
		case KindFileNotFound, KindNotADirectory, KindUnknown:
		default:
			return "", nil, nil, err
		}
		parent := path.Dir(p)
		if parent == p {
			return "", nil, nil, err
		}
		missing = append(missing, p)
		p = parent
	}
}

// Mkdir creates the directory. Transports report a missing parent and a
// parent that is a file the same way, so the tree is inspected first.
func (rp *remotePath) Mkdir(ctx context.Context, parents, existOK bool) error {
	closest, info, toCreate, err := rp.fs.closestAncestor(ctx, rp.p)
	if err != nil {
		return rp.wrap("mkdir", err)
	}
	if !info.IsDir() {
		if closest == rp.p {
			return rp.fail("mkdir", KindFileExists, errors.New("exists and is not a directory"))
		}
		return rp.fail("mkdir", KindNotADirectory, fmt.Errorf("%s is not a directory", closest))
	}
	if len(toCreate) == 0 {
		if existOK {
			return nil
		}
		return rp.fail("mkdir", KindFileExists, nil)
	}
	slices.Reverse(toCreate)
	if len(toCreate) > 1 && !parents {
		return rp.fail("mkdir", KindFileNotFound, fmt.Errorf("would create %s", strings.Join(toCreate, ", ")))
	}
	for _, p := range toCreate {
		if err := rp.fs.drv.mkdir(ctx, p); err != nil {
			return rp.wrap("mkdir", err)
		}
	}
	return nil
}

func (rp *remotePath) Remove(ctx context.Context) error {
	info, err := rp.fs.drv.stat(ctx, rp.p)
	if err != nil {
		return rp.wrap("remove", err)
	}
	if info.IsDir() {
		return rp.fail("remove", KindIsADirectory, nil)
	}
	if err := rp.fs.drv.remove(ctx, rp.p); err != nil {
		return rp.wrap("remove", err)
	}
	return nil
}

func (rp *remotePath) Rmdir(ctx context.Context) error {
	info, err := rp.fs.drv.stat(ctx, rp.p)
	if err != nil {
		return rp.wrap("rmdir", err)
	}
	if !info.IsDir() {
		return rp.fail("rmdir", KindNotADirectory, nil)
	}
	err = rp.fs.drv.rmdir(ctx, rp.p)
	if err == nil {
		return nil
	}
	kind := rp.fs.drv.classify(err)
	if kind == KindUnknown {
		// SFTP v3 has no status for this; the directory exists, so
		// the server refused because of its contents.
		kind = KindNotEmpty
	}
	return rp.fail("rmdir", kind, err)
}

func (rp *remotePath) Rename(ctx context.Context, to Path) error {
	dst, ok := to.(*remotePath)
	if !ok || dst.fs != rp.fs {
		return rp.fail("rename", KindUnknown, fmt.Errorf("%s is on another filesystem", to))
	}
	if _, err := rp.fs.drv.stat(ctx, rp.p); err != nil {
		return rp.wrap("rename", err)
	}
	if _, err := rp.fs.drv.stat(ctx, dst.p); err == nil {
		return dst.fail("rename", KindFileExists, nil)
	}
	if err := rp.fs.drv.rename(ctx, rp.p, dst.p); err != nil {
		return rp.wrap("rename", err)
	}
	return nil
}

func (rp *remotePath) Stat(ctx context.Context) (fs.FileInfo, error) {
	info, err := rp.fs.drv.stat(ctx, rp.p)
	if err != nil {
		return nil, rp.wrap("stat", err)
	}
	return info, nil
}

func (rp *remotePath) List(ctx context.Context) ([]Path, error) {
	infos, err := rp.fs.drv.readDir(ctx, rp.p)
	if err != nil {
		kind := rp.fs.drv.classify(err)
		if kind == KindUnknown {
			if info, serr := rp.fs.drv.stat(ctx, rp.p); serr == nil && !info.IsDir() {
				kind = KindNotADirectory
			}
		}
		return nil, rp.fail("list", kind, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if n := info.Name(); n != "." && n != ".." {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	paths := make([]Path, len(names))
	for i, n := range names {
		paths[i] = rp.Join(n)
	}
	return paths, nil
}

// Exists reports whether the path exists. A path below a file does not.
func (rp *remotePath) Exists(ctx context.Context) (bool, error) {
	_, err := rp.fs.drv.stat(ctx, rp.p)
	if err == nil {
		return true, nil
	}
	switch rp.fs.drv.classify(err) {
	case KindFileNotFound, KindNotADirectory:
		return false, nil
	}
	return false, rp.wrap("stat", err)
}

// RemoveAll deletes the tree rooted at the path. A missing path is not
// an error.
func (rp *remotePath) RemoveAll(ctx context.Context) error {
	info, err := rp.fs.drv.stat(ctx, rp.p)
	if err != nil {
		if rp.fs.drv.classify(err) == KindFileNotFound {
			return nil
		}
		return rp.wrap("remove", err)
	}
	if !info.IsDir() {
		return rp.Remove(ctx)
	}
	log.G(ctx).WithField("path", rp.p).Debug("removing tree")
	children, err := rp.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := c.RemoveAll(ctx); err != nil {
			return err
		}
	}
	return rp.Rmdir(ctx)
}

// Glob matches pattern against the names in the directory. A missing
// directory yields no matches.
func (rp *remotePath) Glob(ctx context.Context, pattern string) ([]Path, error) {
	if pattern == "" || strings.ContainsAny(pattern, `/\`) {
		return nil, fmt.Errorf("remotefs: unsupported glob pattern %q", pattern)
	}
	children, err := rp.List(ctx)
	switch KindOf(err) {
	case KindFileNotFound, KindNotADirectory:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var matched []Path
	for _, c := range children {
		ok, err := path.Match(pattern, c.Name())
		if err != nil {
			return nil, fmt.Errorf("remotefs: glob %q: %w", pattern, err)
		}
		if ok {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// TakeFrom writes data to dir/name unless that file already holds it.
func TakeFrom(ctx context.Context, dir Path, name string, data []byte) (Path, error) {
	dst := dir.Join(name)
	existing, err := dst.ReadBytes(ctx)
	if err == nil && bytes.Equal(existing, data) {
		return dst, nil
	}
	if err != nil && KindOf(err) != KindFileNotFound {
		return nil, err
	}
	return dst, dst.WriteBytes(ctx, data)
}

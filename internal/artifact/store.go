// Package artifact keeps published disk images in a content-addressed
// store. Blobs are named by their sha256 digest and a bolt index maps
// human-readable artifact names to them.
package artifact

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
)

const uriScheme = "vmlab-artifact"

var (
	ErrExists      = fmt.Errorf("artifact: already exists: %w", errdefs.ErrAlreadyExists)
	ErrInvalidURI  = fmt.Errorf("artifact: invalid uri: %w", errdefs.ErrInvalidArgument)
	ErrCorrupted   = fmt.Errorf("artifact: content does not match its digest: %w", errdefs.ErrDataLoss)
	ErrInvalidName = fmt.Errorf("artifact: invalid name: %w", errdefs.ErrInvalidArgument)
)

// Record describes a stored artifact.
type Record struct {
	Digest  digest.Digest `json:"digest"`
	Name    string        `json:"name"`
	Parent  string        `json:"parent,omitempty"`
	Size    int64         `json:"size"`
	MD5     string        `json:"md5"`
	Created time.Time     `json:"created"`
}

// URI returns the address of the record.
func (r *Record) URI() URI {
	return URI{Digest: r.Digest, Name: r.Name}
}

// URI addresses an artifact by digest and name, e.g.
// vmlab-artifact://sha256:<hex>/ubuntu22-20240101120000.vdi
type URI struct {
	Digest digest.Digest
	Name   string
}

func (u URI) String() string {
	return uriScheme + "://" + u.Digest.String() + "/" + u.Name
}

// ParseURI parses the String form of a URI.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, uriScheme+"://")
	if !ok {
		return URI{}, fmt.Errorf("%q: %w", s, ErrInvalidURI)
	}
	d, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return URI{}, fmt.Errorf("%q: missing name: %w", s, ErrInvalidURI)
	}
	dgst, err := digest.Parse(d)
	if err != nil {
		return URI{}, fmt.Errorf("%q: %w: %w", s, ErrInvalidURI, err)
	}
	return URI{Digest: dgst, Name: name}, nil
}

// Store is a content-addressed artifact store rooted at a directory.
type Store struct {
	root  string
	index *index
}

// Open opens or creates the store at root.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "blobs", digest.Canonical.String()), filepath.Join(root, "ingest")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	x, err := openIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, index: x}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.index.close()
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// BlobPath returns where the content for d is kept.
func (s *Store) BlobPath(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// Put ingests the file at path under name. parent names the artifact the
// file depends on, if any. Identical content is stored once.
func (s *Store) Put(ctx context.Context, path, name, parent string) (*Record, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if _, err := s.index.get(name); err == nil {
		return nil, fmt.Errorf("artifact %q: %w", name, ErrExists)
	}
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "ingest"), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("create ingest file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	md5sum := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash(), md5sum), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", path, err)
	}

	r := &Record{
		Digest:  digester.Digest(),
		Name:    name,
		Parent:  parent,
		Size:    size,
		MD5:     hex.EncodeToString(md5sum.Sum(nil)),
		Created: time.Now().UTC(),
	}
	blob := s.BlobPath(r.Digest)
	if _, err := os.Stat(blob); errors.Is(err, os.ErrNotExist) {
		// A new blob keeps the permissions of the file it was ingested from.
		if err := os.Chmod(tmp.Name(), fi.Mode().Perm()); err != nil {
			return nil, err
		}
		if err := os.Rename(tmp.Name(), blob); err != nil {
			return nil, fmt.Errorf("commit blob: %w", err)
		}
	}
	if err := s.index.create(r); err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{
		"name":   name,
		"digest": r.Digest,
		"size":   size,
	}).Info("artifact stored")
	return r, nil
}

// Get returns the record named name.
func (s *Store) Get(ctx context.Context, name string) (*Record, error) {
	return s.index.get(name)
}

// Resolve returns the blob path for uri after checking that the name
// still refers to the same content.
func (s *Store) Resolve(ctx context.Context, uri URI) (string, error) {
	r, err := s.index.get(uri.Name)
	if err != nil {
		return "", err
	}
	if r.Digest != uri.Digest {
		return "", fmt.Errorf("artifact %q is %s, not %s: %w", uri.Name, r.Digest, uri.Digest, errdefs.ErrNotFound)
	}
	return s.BlobPath(r.Digest), nil
}

// List returns the records whose names start with prefix, ordered by
// name.
func (s *Store) List(ctx context.Context, prefix string) ([]Record, error) {
	var out []Record
	err := s.index.scan(prefix, func(r *Record) error {
		out = append(out, *r)
		return nil
	})
	return out, err
}

// Verify re-hashes the blob of name and compares it with the recorded
// digest and md5.
func (s *Store) Verify(ctx context.Context, name string) error {
	r, err := s.index.get(name)
	if err != nil {
		return err
	}
	f, err := os.Open(s.BlobPath(r.Digest))
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	defer f.Close()
	verifier := r.Digest.Verifier()
	md5sum := md5.New()
	if _, err := io.Copy(io.MultiWriter(verifier, md5sum), f); err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%s: %w", name, ErrCorrupted)
	}
	if got := hex.EncodeToString(md5sum.Sum(nil)); got != r.MD5 {
		return fmt.Errorf("%s: md5 %s, recorded %s: %w", name, got, r.MD5, ErrCorrupted)
	}
	return nil
}

// Delete removes the record and, if nothing else refers to it, its blob.
func (s *Store) Delete(ctx context.Context, name string) error {
	r, shared, err := s.index.remove(name)
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	blob := s.BlobPath(r.Digest)
	if err := os.Remove(blob); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	log.G(ctx).WithField("name", name).Debug("artifact deleted")
	return nil
}

package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const keyComment = "vmlab"

// Keys manages the key pair used to log into guests. Keys live in
// {dir}/id_ed25519 and {dir}/id_ed25519.pub.
type Keys struct {
	dir string
}

func NewKeys(dir string) *Keys {
	return &Keys{dir: dir}
}

func (k *Keys) PrivatePath() string { return filepath.Join(k.dir, "id_ed25519") }
func (k *Keys) PublicPath() string  { return filepath.Join(k.dir, "id_ed25519.pub") }

// Exists reports whether both halves are present.
func (k *Keys) Exists() bool {
	_, privErr := os.Stat(k.PrivatePath())
	_, pubErr := os.Stat(k.PublicPath())
	return privErr == nil && pubErr == nil
}

// Ensure generates an ed25519 pair unless one exists.
func (k *Keys) Ensure() error {
	if k.Exists() {
		return nil
	}
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(k.PrivatePath(), pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		os.Remove(k.PrivatePath())
		return fmt.Errorf("convert public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	line = append(line[:len(line)-1], " "+keyComment+"\n"...)
	if err := os.WriteFile(k.PublicPath(), line, 0o644); err != nil {
		os.Remove(k.PrivatePath())
		return err
	}
	return nil
}

// AuthorizedKey returns the public key line for authorized_keys.
func (k *Keys) AuthorizedKey() (string, error) {
	b, err := os.ReadFile(k.PublicPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no key pair in %s; run 'vmlab ssh keygen' first", k.dir)
	}
	return string(b), err
}

// LoadSigner parses an OpenSSH private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

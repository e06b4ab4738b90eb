// Package config provides configuration management for vmlab.
package config

import (
	"os"
	"path/filepath"
)

// Paths holds the per-user directories of vmlab.
type Paths struct {
	// ConfigDir holds config.yaml.
	// ~/.config/vmlab (or $XDG_CONFIG_HOME/vmlab)
	ConfigDir string

	// CacheDir holds lock files and other state that may be lost.
	// ~/.cache/vmlab (or $XDG_CACHE_HOME/vmlab)
	CacheDir string

	// DataDir holds snapshots, machine records and SSH keys.
	// ~/.local/share/vmlab (or $XDG_DATA_HOME/vmlab)
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

func xdgDir(env, home string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" && filepath.IsAbs(dir) {
		return filepath.Join(dir, "vmlab")
	}
	return filepath.Join(append(append([]string{home}, fallback...), "vmlab")...)
}

// GetPaths returns the XDG paths for vmlab.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		ConfigDir: xdgDir("XDG_CONFIG_HOME", home, ".config"),
		CacheDir:  xdgDir("XDG_CACHE_HOME", home, ".cache"),
		DataDir:   xdgDir("XDG_DATA_HOME", home, ".local", "share"),
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p, nil
}

// EnsureDirectories creates the directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.CacheDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/javanstorm/vmlab/pkg/hypervisor"
)

// State represents the machine lifecycle state.
type State int

const (
	StateUnregistered State = iota
	StateRegistered         // Settings and disk in place
	StateRunning            // Powered on
	StateStopped            // Powered off, still registered
	StatePurged             // Files deleted, slot released
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StatePurged:
		return "purged"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for c := StateUnregistered; c <= StatePurged; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown machine state %q", b)
}

// Record is what survives the process about one machine.
type Record struct {
	Name  string `json:"name"`
	State State  `json:"state"`

	// Slot is the claimed port range index.
	Slot int `json:"slot"`

	// PID is the process that holds the slot.
	PID int `json:"pid"`

	// User runs VBoxManage for this machine when it is not the
	// current user.
	User string `json:"user,omitempty"`

	Forwards []hypervisor.PortForward `json:"forwards,omitempty"`
	Disk     string                   `json:"disk,omitempty"`

	// LastBoot is when the machine was last powered on.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// BootCount is the number of power-ons in this registration.
	BootCount int `json:"boot_count"`

	// Error is the failure that ended provisioning, if any.
	Error string `json:"error,omitempty"`

	Updated time.Time `json:"updated"`
}

// StateFile manages the record of one machine.
type StateFile struct {
	path string
}

// NewStateFile creates a state file manager for machine name.
func NewStateFile(dir, name string) *StateFile {
	return &StateFile{
		path: filepath.Join(dir, name+".json"),
	}
}

// Load reads the record from disk. A missing file yields an
// unregistered record.
func (s *StateFile) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		name := strings.TrimSuffix(filepath.Base(s.path), ".json")
		return &Record{Name: name, Slot: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}

	return &rec, nil
}

// Save writes the record to disk.
func (s *StateFile) Save(rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	rec.Updated = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write atomically
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

// Update loads the record, applies fn and saves it.
func (s *StateFile) Update(fn func(*Record)) error {
	rec, err := s.Load()
	if err != nil {
		return err
	}
	fn(rec)
	return s.Save(rec)
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}

// ReadRecords returns every record in dir sorted by name. Unreadable
// files are reported together after the readable ones are collected.
func ReadRecords(dir string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var (
		recs []Record
		errs []error
	)
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), ".json")
		rec, err := NewStateFile(dir, name).Load()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, *rec)
	}
	slices.SortFunc(recs, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return recs, errors.Join(errs...)
}

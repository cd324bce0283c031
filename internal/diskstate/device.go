// Package diskstate implements the broker's on-disk state surface: a small
// device-identity file and a SQLite-backed execution-history store. Follows
// the same disk-cache idiom
// in internal/llm/codex.go (getCodexInstructions' read/merge/write of a
// JSON meta file) for the device file, and internal/session/sqlite.go for
// the SQLite schema/migration/WAL conventions.
package diskstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Device is the persisted shape of ~/.openade/device.json.
type Device struct {
	DeviceID          string `json:"deviceId"`
	TelemetryDisabled bool   `json:"telemetryDisabled,omitempty"`
}

// DeviceStore owns reads and writes of the device identity file.
type DeviceStore struct {
	path string
}

// NewDeviceStore resolves ~/.openade/device.json (or dir/device.json if dir
// is non-empty, for tests).
func NewDeviceStore(dir string) (*DeviceStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".openade")
	}
	return &DeviceStore{path: filepath.Join(dir, "device.json")}, nil
}

// Load reads the device file, creating and persisting a fresh deviceId if
// none exists yet.
func (s *DeviceStore) Load() (Device, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			dev := Device{DeviceID: uuid.NewString()}
			return dev, s.Save(dev)
		}
		return Device{}, fmt.Errorf("read device file: %w", err)
	}

	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return Device{}, fmt.Errorf("parse device file: %w", err)
	}
	if dev.DeviceID == "" {
		dev.DeviceID = uuid.NewString()
		if err := s.Save(dev); err != nil {
			return Device{}, err
		}
	}
	return dev, nil
}

// SetTelemetryDisabled merges the flag into the existing file and persists
// the result: persistent-store failures are logged;
// the in-memory view remains authoritative" propagation policy — callers
// should keep using the value they already hold even if Save fails.
func (s *DeviceStore) SetTelemetryDisabled(disabled bool) (Device, error) {
	dev, err := s.Load()
	if err != nil {
		return Device{}, err
	}
	dev.TelemetryDisabled = disabled
	return dev, s.Save(dev)
}

// Save writes dev via a temp-file-plus-rename so a concurrent reader (or a
// crash mid-write) never observes a partial file.
func (s *DeviceStore) Save(dev Device) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(dev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".device-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp device file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp device file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp device file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename device file into place: %w", err)
	}
	return nil
}

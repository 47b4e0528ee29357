package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Snapshot holds the last-used operating parameters.
type Snapshot struct {
	Setpoint   float64 `yaml:"Setpoint"`
	Kp         float64 `yaml:"Kp"`
	Ki         float64 `yaml:"Ki"`
	Kd         float64 `yaml:"Kd"`
	SampleTime int     `yaml:"Sample_time"` // ms
	NumPoints  int     `yaml:"Num_points"`
}

// Default returns the parameters used when nothing was saved yet.
func Default() Snapshot {
	return Snapshot{
		Setpoint:   2.0,
		Kp:         3.0,
		Ki:         0.3,
		Kd:         0.0,
		SampleTime: 2000,
		NumPoints:  200,
	}
}

// Load reads settings from path. A missing file yields defaults and no
// error. Missing fields keep their defaults. A malformed file yields
// defaults together with the decode error.
func Load(path string) (Snapshot, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}

	// Unmarshal into the defaults so absent keys keep them.
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("failed to parse settings file: %w", err)
	}

	return s, nil
}

// Save writes settings to path atomically: a temporary file in the same
// directory is written, synced and renamed over the target.
func Save(path string, s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}

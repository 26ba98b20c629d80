// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon's nvr.yaml configuration:
// the storage tier chain, the camera list, and the segment timing plan.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/nvr-project/nvr/internal/sizeunit"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/nvr/nvr.yaml"

// Config represents the complete daemon configuration (spec.md §6).
type Config struct {
	Storages []StorageConfig `yaml:"storages" koanf:"storages"`
	Cameras  []CameraConfig  `yaml:"cameras" koanf:"cameras"`
	Time     TimeConfig      `yaml:"time" koanf:"time"`
	Suffix   string          `yaml:"suffix" koanf:"suffix"`
}

// StorageConfig is one tier of the storage chain, in priority order: the
// first entry is the tier new segments are written to, later entries are
// migration targets when an earlier tier fills up.
//
// Name doubles as the tier's filesystem path (spec.md §6: "name: <path>"),
// and is used verbatim as the root of that tier's persisted-state layout.
type StorageConfig struct {
	Name       string              `yaml:"name" koanf:"name"`
	Thresholds ThresholdPairConfig `yaml:"thresholds" koanf:"thresholds"`
	Flags      []string            `yaml:"flags" koanf:"flags"`
}

// ThresholdPairConfig is the begin/end threshold pair for one tier.
type ThresholdPairConfig struct {
	Begin ThresholdConfig `yaml:"begin" koanf:"begin"`
	End   ThresholdConfig `yaml:"end" koanf:"end"`
}

// HalfDuplex reports whether the "half_duplex" flag is present.
func (s StorageConfig) HalfDuplex() bool {
	for _, f := range s.Flags {
		if f == "half_duplex" {
			return true
		}
	}
	return false
}

// ThresholdConfig is the YAML form of a threshold: exactly one of Free or
// Used must be set, as a human size string ("2g", "500m", ...).
type ThresholdConfig struct {
	Free string `yaml:"free,omitempty" koanf:"free"`
	Used string `yaml:"used,omitempty" koanf:"used"`
}

// Parse converts a YAML threshold into the internal sizeunit.Threshold.
func (t ThresholdConfig) Parse() (sizeunit.Threshold, error) {
	switch {
	case t.Free != "" && t.Used != "":
		return sizeunit.Threshold{}, fmt.Errorf("threshold must set exactly one of free/used, got both")
	case t.Free != "":
		bytes, err := sizeunit.ParseSize(t.Free)
		if err != nil {
			return sizeunit.Threshold{}, fmt.Errorf("free: %w", err)
		}
		return sizeunit.Threshold{Kind: sizeunit.Free, Bytes: bytes}, nil
	case t.Used != "":
		bytes, err := sizeunit.ParseSize(t.Used)
		if err != nil {
			return sizeunit.Threshold{}, fmt.Errorf("used: %w", err)
		}
		return sizeunit.Threshold{Kind: sizeunit.Used, Bytes: bytes}, nil
	default:
		return sizeunit.Threshold{}, fmt.Errorf("threshold must set one of free/used")
	}
}

// CameraConfig is one configured camera (spec.md §3 Camera).
type CameraConfig struct {
	Name string `yaml:"name" koanf:"name"`
	URL  string `yaml:"url" koanf:"url"`
}

// TimeConfig is the segment timing plan (spec.md §3 TimingPlan).
type TimeConfig struct {
	Naming    string `yaml:"naming" koanf:"naming"`
	Segment   int    `yaml:"segment" koanf:"segment"`
	StopDelay int    `yaml:"stop_delay" koanf:"stop_delay"`
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path as YAML, atomically (temp file,
// fsync, rename) so a crash mid-write never leaves a partially-written
// config on disk.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".nvr.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks the configuration against spec.md §6's invariants.
func (c *Config) Validate() error {
	if len(c.Storages) == 0 {
		return fmt.Errorf("at least one storage tier is required")
	}
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}

	seenTier := make(map[string]bool, len(c.Storages))
	for i, s := range c.Storages {
		if s.Name == "" {
			return fmt.Errorf("storages[%d]: name cannot be empty", i)
		}
		if seenTier[s.Name] {
			return fmt.Errorf("storages[%d]: duplicate tier name %q", i, s.Name)
		}
		seenTier[s.Name] = true

		begin, err := s.Thresholds.Begin.Parse()
		if err != nil {
			return fmt.Errorf("storages[%d] (%s): begin: %w", i, s.Name, err)
		}
		end, err := s.Thresholds.End.Parse()
		if err != nil {
			return fmt.Errorf("storages[%d] (%s): end: %w", i, s.Name, err)
		}
		if begin.Kind == end.Kind {
			if begin.Kind == sizeunit.Free && begin.Bytes >= end.Bytes {
				return fmt.Errorf("storages[%d] (%s): begin.free must be less than end.free", i, s.Name)
			}
			if begin.Kind == sizeunit.Used && begin.Bytes <= end.Bytes {
				return fmt.Errorf("storages[%d] (%s): begin.used must be greater than end.used", i, s.Name)
			}
		}
	}

	seenCamera := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			return fmt.Errorf("cameras[%d]: name cannot be empty", i)
		}
		if seenCamera[cam.Name] {
			return fmt.Errorf("cameras[%d]: duplicate camera name %q", i, cam.Name)
		}
		seenCamera[cam.Name] = true
		if cam.URL == "" {
			return fmt.Errorf("cameras[%d] (%s): url cannot be empty", i, cam.Name)
		}
	}

	return c.Time.Validate()
}

// Validate checks the timing plan against spec.md §3/§9.
func (t *TimeConfig) Validate() error {
	if t.Segment <= 5 || t.Segment > 3600 {
		return fmt.Errorf("time.segment must be in (5, 3600], got %d", t.Segment)
	}
	if 3600%t.Segment != 0 {
		return fmt.Errorf("time.segment (%d) must evenly divide 3600", t.Segment)
	}
	if t.StopDelay < 0 || t.StopDelay >= t.Segment {
		return fmt.Errorf("time.stop_delay must be in [0, %d), got %d", t.Segment, t.StopDelay)
	}
	if t.Naming == "" {
		return fmt.Errorf("time.naming cannot be empty")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults, used by
// tests and as a starting point for a generated nvr.yaml.
func DefaultConfig() *Config {
	return &Config{
		Storages: []StorageConfig{
			{
				Name: "/var/lib/nvr/hot",
				Thresholds: ThresholdPairConfig{
					Begin: ThresholdConfig{Free: "10g"},
					End:   ThresholdConfig{Free: "20g"},
				},
			},
		},
		Cameras: []CameraConfig{},
		Time: TimeConfig{
			Naming:    "2006-01-02/15-04-05",
			Segment:   3600,
			StopDelay: 5,
		},
		Suffix: ".mkv",
	}
}

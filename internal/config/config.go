// Package config loads keeper settings from an optional YAML file with
// KDBXKEEPER_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config carries every tunable knob. Durations are parsed from Go duration
// strings ("15m", "15s").
type Config struct {
	// DataDir is where both stores live.
	DataDir string `yaml:"data_dir" env:"KDBXKEEPER_DATA_DIR"`

	// AutoLock is the idle interval after which the session locks.
	AutoLock time.Duration `yaml:"auto_lock" env:"KDBXKEEPER_AUTO_LOCK"`

	// ClipboardClear is how long copied secrets stay on the clipboard.
	ClipboardClear time.Duration `yaml:"clipboard_clear" env:"KDBXKEEPER_CLIPBOARD_CLEAR"`

	// SnapshotInterval is the automatic snapshot cadence.
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"KDBXKEEPER_SNAPSHOT_INTERVAL"`

	// EditThreshold forces a snapshot after this many edit persists.
	EditThreshold int `yaml:"edit_threshold" env:"KDBXKEEPER_EDIT_THRESHOLD"`

	// MaxVersions is the retained database version window.
	MaxVersions int `yaml:"max_versions" env:"KDBXKEEPER_MAX_VERSIONS"`

	// MaxSnapshots is the newest-N snapshot retention bound.
	MaxSnapshots int `yaml:"max_snapshots" env:"KDBXKEEPER_MAX_SNAPSHOTS"`

	// SnapshotMaxAge is the age snapshot retention bound.
	SnapshotMaxAge time.Duration `yaml:"snapshot_max_age" env:"KDBXKEEPER_SNAPSHOT_MAX_AGE"`

	// JournalCap bounds the state journal.
	JournalCap int `yaml:"journal_cap" env:"KDBXKEEPER_JOURNAL_CAP"`

	// UnlockTokenTTL is the auto-unlock token lifetime.
	UnlockTokenTTL time.Duration `yaml:"unlock_token_ttl" env:"KDBXKEEPER_UNLOCK_TOKEN_TTL"`
}

// Default returns the stock settings rooted under the user home.
func Default() Config {
	dataDir := ".kdbxkeeper"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".kdbxkeeper")
	}
	return Config{
		DataDir:          dataDir,
		AutoLock:         15 * time.Minute,
		ClipboardClear:   15 * time.Second,
		SnapshotInterval: time.Hour,
		EditThreshold:    10,
		MaxVersions:      5,
		MaxSnapshots:     10,
		SnapshotMaxAge:   30 * 24 * time.Hour,
		JournalCap:       500,
		UnlockTokenTTL:   time.Hour,
	}
}

// UnmarshalYAML decodes the file form, where durations are Go duration
// strings; absent keys leave the defaults in place.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig struct {
		DataDir          string `yaml:"data_dir"`
		AutoLock         string `yaml:"auto_lock"`
		ClipboardClear   string `yaml:"clipboard_clear"`
		SnapshotInterval string `yaml:"snapshot_interval"`
		SnapshotMaxAge   string `yaml:"snapshot_max_age"`
		UnlockTokenTTL   string `yaml:"unlock_token_ttl"`
		EditThreshold    *int   `yaml:"edit_threshold"`
		MaxVersions      *int   `yaml:"max_versions"`
		MaxSnapshots     *int   `yaml:"max_snapshots"`
		JournalCap       *int   `yaml:"journal_cap"`
	}
	var r rawConfig
	if err := node.Decode(&r); err != nil {
		return err
	}

	if r.DataDir != "" {
		c.DataDir = r.DataDir
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{r.AutoLock, &c.AutoLock},
		{r.ClipboardClear, &c.ClipboardClear},
		{r.SnapshotInterval, &c.SnapshotInterval},
		{r.SnapshotMaxAge, &c.SnapshotMaxAge},
		{r.UnlockTokenTTL, &c.UnlockTokenTTL},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	for _, f := range []struct {
		raw *int
		dst *int
	}{
		{r.EditThreshold, &c.EditThreshold},
		{r.MaxVersions, &c.MaxVersions},
		{r.MaxSnapshots, &c.MaxSnapshots},
		{r.JournalCap, &c.JournalCap},
	} {
		if f.raw != nil {
			*f.dst = *f.raw
		}
	}
	return nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (an empty path skips the file; a missing file is not an error), then
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.AutoLock <= 0 || c.ClipboardClear <= 0 || c.SnapshotInterval <= 0 {
		return fmt.Errorf("config: timer intervals must be positive")
	}
	if c.EditThreshold <= 0 || c.MaxVersions <= 0 || c.MaxSnapshots <= 0 || c.JournalCap <= 0 {
		return fmt.Errorf("config: counts must be positive")
	}
	return nil
}

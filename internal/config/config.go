// Package config loads and validates the orchestrator configuration.
// The resulting Config is immutable and passed explicitly; there is no
// ambient global lookup.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"parsync/internal/schedule"
)

const (
	KeyTick           = "tick"
	KeyWorkers        = "workers"
	KeyMemoryWarning  = "memory_warning_mb"
	KeyMemoryCritical = "memory_critical_mb"
	KeyMountRoot      = "mount_root"
	KeyLockDir        = "lock_dir"
	KeyStateFile      = "state_file"
	KeyMetricsAddr    = "metrics_addr"
	KeyContentionWarn = "contention_warn_ticks"

	EnvPrefix = "PARSYNC"
	EnvConfig = "PARSYNC_CONFIG"

	DefaultTick           = time.Hour
	DefaultWorkers        = 2
	DefaultMemoryWarning  = 512
	DefaultMemoryCritical = 256
	DefaultMountRoot      = "/mnt"
	DefaultLockDir        = "/tmp/parsync-locks"
	DefaultStateFile      = "state.json"
	DefaultMetricsAddr    = ":2112"
	DefaultContentionWarn = 3
	DefaultDatabase       = ".pardatabase"
	DefaultConfigName     = "parsync"
	ConfigDir             = "."

	idHashLen = 8
)

// Notification target types.
const (
	NotifyWebhook = "webhook"
	NotifyMailbox = "mailbox"
)

// SyncTarget mirrors one directory tree into another on a schedule.
type SyncTarget struct {
	Source      string             `mapstructure:"source"`
	Destination string             `mapstructure:"destination"`
	Frequency   schedule.Frequency `mapstructure:"frequency"`
	Excludes    []string           `mapstructure:"excludes"`
}

// ID returns the stable identity derived from source and destination.
func (t SyncTarget) ID() string {
	return "sync-" + pathHash(t.Source+":"+t.Destination)
}

// ScrubTarget protects a directory with a shadow parity database.
type ScrubTarget struct {
	Directory  string             `mapstructure:"directory"`
	Database   string             `mapstructure:"database"`
	Redundancy int                `mapstructure:"redundancy"`
	Frequency  schedule.Frequency `mapstructure:"frequency"`
}

// ID returns the stable identity derived from directory and database.
func (t ScrubTarget) ID() string {
	return "scrub-" + pathHash(t.Directory+":"+t.Database)
}

// NotifyTarget is an alert delivery channel.
type NotifyTarget struct {
	Type   string `mapstructure:"type"`
	Target string `mapstructure:"target"`
}

// Rejected records a target excluded at load time and why.
type Rejected struct {
	ID     string
	Reason string
}

// Config is the full orchestrator configuration.
type Config struct {
	Tick                time.Duration  `mapstructure:"tick"`
	Workers             int            `mapstructure:"workers"`
	MemoryWarningMB     int            `mapstructure:"memory_warning_mb"`
	MemoryCriticalMB    int            `mapstructure:"memory_critical_mb"`
	MountRoot           string         `mapstructure:"mount_root"`
	LockDir             string         `mapstructure:"lock_dir"`
	StateFile           string         `mapstructure:"state_file"`
	MetricsAddr         string         `mapstructure:"metrics_addr"`
	ContentionWarnTicks int            `mapstructure:"contention_warn_ticks"`
	Sync                []SyncTarget   `mapstructure:"sync"`
	Scrub               []ScrubTarget  `mapstructure:"scrub"`
	Notify              []NotifyTarget `mapstructure:"notify"`

	// Rejected holds targets refused by validation. They are reported
	// once at startup and never scheduled.
	Rejected []Rejected `mapstructure:"-"`
}

// Load reads configuration from path, falling back to PARSYNC_CONFIG and
// then to parsync.{yaml,json,toml} in the working directory. Malformed
// targets are moved to Rejected rather than failing the load.
func Load(path string) (Config, error) {
	var cfg Config
	v := viper.New()

	v.SetDefault(KeyTick, DefaultTick)
	v.SetDefault(KeyWorkers, DefaultWorkers)
	v.SetDefault(KeyMemoryWarning, DefaultMemoryWarning)
	v.SetDefault(KeyMemoryCritical, DefaultMemoryCritical)
	v.SetDefault(KeyMountRoot, DefaultMountRoot)
	v.SetDefault(KeyLockDir, DefaultLockDir)
	v.SetDefault(KeyStateFile, DefaultStateFile)
	v.SetDefault(KeyMetricsAddr, DefaultMetricsAddr)
	v.SetDefault(KeyContentionWarn, DefaultContentionWarn)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path == "" {
		if envPath, ok := os.LookupEnv(EnvConfig); ok {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(ConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !(errors.As(err, &nf) || errors.Is(err, os.ErrNotExist)) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.validate()
	return cfg, nil
}

// validate resolves scrub database paths and moves malformed targets to
// Rejected. Settings outside (0,100] redundancy, non-absolute paths and
// unknown frequencies or notification types are refused.
func (c *Config) validate() {
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}

	syncs := c.Sync
	c.Sync = c.Sync[:0]
	for _, t := range syncs {
		if reason := t.check(); reason != "" {
			c.Rejected = append(c.Rejected, Rejected{ID: t.ID(), Reason: reason})
			continue
		}
		t.Source = filepath.Clean(t.Source)
		t.Destination = filepath.Clean(t.Destination)
		c.Sync = append(c.Sync, t)
	}

	scrubs := c.Scrub
	c.Scrub = c.Scrub[:0]
	for _, t := range scrubs {
		if t.Database == "" {
			t.Database = DefaultDatabase
		}
		if reason := t.check(); reason != "" {
			c.Rejected = append(c.Rejected, Rejected{ID: t.ID(), Reason: reason})
			continue
		}
		t.Directory = filepath.Clean(t.Directory)
		if !filepath.IsAbs(t.Database) {
			t.Database = filepath.Join(t.Directory, t.Database)
		}
		t.Database = filepath.Clean(t.Database)
		c.Scrub = append(c.Scrub, t)
	}

	notify := c.Notify
	c.Notify = c.Notify[:0]
	for _, n := range notify {
		if n.Type != NotifyWebhook && n.Type != NotifyMailbox {
			c.Rejected = append(c.Rejected, Rejected{
				ID:     n.Type + ":" + n.Target,
				Reason: fmt.Sprintf("unknown notification type %q", n.Type),
			})
			continue
		}
		if n.Target == "" {
			c.Rejected = append(c.Rejected, Rejected{
				ID:     n.Type + ":" + n.Target,
				Reason: "empty notification target",
			})
			continue
		}
		c.Notify = append(c.Notify, n)
	}
}

func (t SyncTarget) check() string {
	if !filepath.IsAbs(t.Source) {
		return fmt.Sprintf("source path must be absolute: %s", t.Source)
	}
	if !filepath.IsAbs(t.Destination) {
		return fmt.Sprintf("destination path must be absolute: %s", t.Destination)
	}
	if !t.Frequency.Valid() {
		return fmt.Sprintf("invalid frequency: %s", t.Frequency)
	}
	return ""
}

func (t ScrubTarget) check() string {
	if !filepath.IsAbs(t.Directory) {
		return fmt.Sprintf("directory path must be absolute: %s", t.Directory)
	}
	if t.Redundancy <= 0 || t.Redundancy > 100 {
		return fmt.Sprintf("redundancy must be in (0,100]: %d", t.Redundancy)
	}
	if !t.Frequency.Valid() {
		return fmt.Sprintf("invalid frequency: %s", t.Frequency)
	}
	return ""
}

// pathHash returns a short stable hash so distinct path pairs never
// collide on id (e.g. /home/user vs /home_user).
func pathHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:idHashLen]
}

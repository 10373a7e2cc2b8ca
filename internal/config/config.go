package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
)

// Config represents the global ~/.bugle/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Store          Store         `toml:"store"`
	Sync           Sync          `toml:"sync"`
	Notifications  Notifications `toml:"notifications"`
	Telephony      Telephony     `toml:"telephony"`
	Log            Log           `toml:"log"`
}

// Store locates the message database. An empty Path uses the profile's
// bugle.db.
type Store struct {
	Path string `toml:"path"`
}

// Sync tunes provider reconciliation. A zero Interval disables periodic
// syncs.
type Sync struct {
	BatchSize       int           `toml:"batch_size"`
	MaxBatchRetries int           `toml:"max_batch_retries"`
	FullSyncBackoff time.Duration `toml:"full_sync_backoff"`
	Interval        time.Duration `toml:"interval"`
}

type Notifications struct {
	Enabled                  bool          `toml:"enabled"`
	Package                  string        `toml:"package"`
	Locale                   string        `toml:"locale"`
	MaxMessages              int           `toml:"max_messages"`
	MaxMessagesWithCompanion int           `toml:"max_messages_with_companion"`
	CompanionPaired          bool          `toml:"companion_paired"`
	TimeBetweenDings         time.Duration `toml:"time_between_dings"`
	AvatarTimeout            time.Duration `toml:"avatar_timeout"`
	// ImageRoot confines avatar and attachment reads. Empty allows any
	// local path.
	ImageRoot string `toml:"image_root"`
}

// Telephony seeds the in-process provider used when no device bridge is
// attached.
type Telephony struct {
	DefaultRegion string         `toml:"default_region"`
	Self          *Contact       `toml:"self"`
	Contacts      []Contact      `toml:"contacts"`
	Subscriptions []Subscription `toml:"subscriptions"`
}

type Contact struct {
	ID          int64  `toml:"id"`
	FullName    string `toml:"full_name"`
	FirstName   string `toml:"first_name"`
	PhotoURI    string `toml:"photo_uri"`
	Destination string `toml:"destination"`
}

type Subscription struct {
	SubID       int    `toml:"sub_id"`
	SlotID      int    `toml:"slot_id"`
	Name        string `toml:"name"`
	Color       int    `toml:"color"`
	Destination string `toml:"destination"`
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Sync: Sync{
			BatchSize:       1000,
			MaxBatchRetries: 3,
			FullSyncBackoff: time.Hour,
		},
		Notifications: Notifications{
			Enabled:                  true,
			Package:                  "bugle",
			Locale:                   "en",
			MaxMessages:              8,
			MaxMessagesWithCompanion: 1,
			TimeBetweenDings:         10 * time.Second,
			AvatarTimeout:            2 * time.Second,
		},
		Telephony: Telephony{DefaultRegion: "US"},
		Log:       Log{Level: "info"},
	}
}

// Load reads config from the given path on top of the defaults. Returns
// an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports the first setting out of range.
func (c *Config) Validate() error {
	switch {
	case c.Sync.BatchSize <= 0:
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	case c.Sync.MaxBatchRetries < 0:
		return fmt.Errorf("sync.max_batch_retries must not be negative, got %d", c.Sync.MaxBatchRetries)
	case c.Sync.FullSyncBackoff < 0 || c.Sync.Interval < 0:
		return errors.New("sync durations must not be negative")
	case c.Notifications.Package == "":
		return errors.New("notifications.package must be set")
	case c.Notifications.MaxMessages < 1 || c.Notifications.MaxMessagesWithCompanion < 1:
		return errors.New("notifications message caps must be at least 1")
	case c.Notifications.TimeBetweenDings < 0 || c.Notifications.AvatarTimeout < 0:
		return errors.New("notification durations must not be negative")
	}
	if _, err := language.Parse(c.Notifications.Locale); err != nil {
		return fmt.Errorf("notifications.locale: %w", err)
	}
	if _, err := language.ParseRegion(c.Telephony.DefaultRegion); err != nil {
		return fmt.Errorf("telephony.default_region: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

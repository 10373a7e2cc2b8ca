package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Sync.Interval = 5 * time.Minute
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Sync.Interval != 5*time.Minute {
		t.Errorf("Sync.Interval = %v, want 5m", loaded.Sync.Interval)
	}
}

func TestLoadSections(t *testing.T) {
	path := writeConfig(t, `
default_profile = "phone"

[sync]
batch_size = 250
interval = "30s"

[notifications]
locale = "ja"
time_between_dings = "3s"
companion_paired = true

[telephony]
default_region = "BR"

[[telephony.contacts]]
full_name = "Alice Smith"
first_name = "Alice"
destination = "+16502530000"

[[telephony.subscriptions]]
sub_id = 2
slot_id = 1
destination = "+16502539999"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.BatchSize != 250 || cfg.Sync.Interval != 30*time.Second {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.MaxBatchRetries != 3 {
		t.Errorf("MaxBatchRetries = %d, want default 3", cfg.Sync.MaxBatchRetries)
	}
	n := cfg.Notifications
	if n.Locale != "ja" || n.TimeBetweenDings != 3*time.Second || !n.CompanionPaired || n.MaxMessages != 8 {
		t.Errorf("notifications = %+v", n)
	}
	if len(cfg.Telephony.Contacts) != 1 || cfg.Telephony.Contacts[0].FirstName != "Alice" {
		t.Errorf("contacts = %+v", cfg.Telephony.Contacts)
	}
	if len(cfg.Telephony.Subscriptions) != 1 || cfg.Telephony.Subscriptions[0].SlotID != 1 {
		t.Errorf("subscriptions = %+v", cfg.Telephony.Subscriptions)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Notifications.Package != "bugle" {
		t.Errorf("Package = %q, want default", cfg.Notifications.Package)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[sync]\nbatch = 3\n", "unknown key"},
		{"batch size", "[sync]\nbatch_size = 0\n", "batch_size"},
		{"cap", "[notifications]\nmax_messages = 0\n", "caps"},
		{"locale", "[notifications]\nlocale = \"!!\"\n", "locale"},
		{"region", "[telephony]\ndefault_region = \"ZZZ9\"\n", "default_region"},
		{"level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"duration", "[sync]\ninterval = \"-1s\"\n", "durations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

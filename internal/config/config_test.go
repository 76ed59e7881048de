package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TickInterval.Std() != 250*time.Millisecond {
		t.Errorf("unexpected tick interval: %v", cfg.TickInterval.Std())
	}
	if len(cfg.Relays) == 0 {
		t.Error("expected default relays")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := `
data_dir = "/tmp/ns"
relays = ["wss://example.test"]
tick_interval = "1s"
backoff_max = "30s"
log_format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/tmp/ns" {
		t.Errorf("expected data_dir /tmp/ns, got %s", cfg.DataDir)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0] != "wss://example.test" {
		t.Errorf("unexpected relays: %v", cfg.Relays)
	}
	if cfg.TickInterval.Std() != time.Second {
		t.Errorf("expected 1s tick, got %v", cfg.TickInterval.Std())
	}
	if cfg.BackoffMax.Std() != 30*time.Second {
		t.Errorf("expected 30s backoff max, got %v", cfg.BackoffMax.Std())
	}
	if cfg.QueryLimit != 500 {
		t.Errorf("expected default query_limit to survive, got %d", cfg.QueryLimit)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"syntax":   "relays = [",
		"duration": `tick_interval = "soon"`,
		"format":   `log_format = "xml"`,
		"backoff":  `backoff_initial = "2m"`,
	}
	for name, data := range cases {
		path := filepath.Join(dir, name+".toml")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Relays = []string{"wss://a.test", "wss://b.test"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Relays) != 2 || loaded.BackoffInitial != cfg.BackoffInitial {
		t.Errorf("unexpected round trip: %+v", loaded)
	}
}

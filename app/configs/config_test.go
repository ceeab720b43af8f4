package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewManagerWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.json")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected default port: %d", cfg.Server.Port)
	}
	if cfg.Approval.DefaultTTLSec != 300 || cfg.Approval.MaxTTLSec != 3600 {
		t.Fatalf("unexpected approval defaults: %+v", cfg.Approval)
	}
	if cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue workers: %d", cfg.Queue.Workers)
	}
	if cfg.Task.TokenExceedThreshold <= cfg.Task.TokenWarnThreshold {
		t.Fatalf("token thresholds inverted: %+v", cfg.Task)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestManagerLoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9999},"approval":{"default_ttl_sec":60}}`), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	cfg := mgr.Get()
	if cfg.Server.Port != 9999 {
		t.Fatalf("file value lost: %d", cfg.Server.Port)
	}
	if cfg.Approval.DefaultTTLSec != 60 {
		t.Fatalf("file value lost: %d", cfg.Approval.DefaultTTLSec)
	}
	// Unset fields still get defaults.
	if cfg.Planner.Model == "" || cfg.Queue.Buffer == 0 {
		t.Fatalf("defaults missing: %+v", cfg)
	}
}

func TestManagerUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	updated, err := mgr.Update(func(cfg *Config) {
		cfg.Server.Port = 8888
		cfg.Approval.MaxTTLSec = 120
		cfg.Approval.DefaultTTLSec = 600
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Server.Port != 8888 {
		t.Fatalf("update lost: %d", updated.Server.Port)
	}
	// Max TTL can never undercut the default TTL.
	if updated.Approval.MaxTTLSec < updated.Approval.DefaultTTLSec {
		t.Fatalf("ttl bounds not normalized: %+v", updated.Approval)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Get().Server.Port != 8888 {
		t.Fatalf("update not persisted: %d", reloaded.Get().Server.Port)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rzbill/flomq/internal/journal"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.AllowAutoCreate {
		t.Fatalf("default allow auto create should be true")
	}
	if cfg.Journal.BlockSize != journal.DefaultBlockSize {
		t.Fatalf("block size default = %d", cfg.Journal.BlockSize)
	}
	if cfg.Delivery.SettleTimeout.Std() != 30*time.Second {
		t.Fatalf("settle timeout default = %v", cfg.Delivery.SettleTimeout.Std())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "flomq.json")
	data := []byte(`{"dataDir":"/srv/mq","allowAutoCreate":false,"journal":{"blockSize":4096},"delivery":{"settleTimeout":"5s","defaultPrefetch":50}}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AllowAutoCreate || cfg.DataDir != "/srv/mq" {
		t.Fatalf("top-level fields not loaded: %+v", cfg)
	}
	if cfg.Journal.BlockSize != 4096 || cfg.Journal.RingCapacity != journal.DefaultRingCapacity {
		t.Fatalf("journal section = %+v", cfg.Journal)
	}
	if cfg.Delivery.SettleTimeout.Std() != 5*time.Second || cfg.Delivery.DefaultPrefetch != 50 {
		t.Fatalf("delivery section = %+v", cfg.Delivery)
	}
	if cfg.JournalPath() != "/srv/mq/journal.dat" {
		t.Fatalf("journal path = %s", cfg.JournalPath())
	}
}

func TestLoadTOML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "flomq.toml")
	data := []byte(`
dataDir = "/srv/mq"
workers = 2

[log]
level = "debug"

[journal]
file = "/mnt/fast/journal.dat"
sync = false

[delivery]
sweepInterval = "250ms"
maxDeliveries = 5
`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 2 || cfg.Log.Level != "debug" || cfg.Journal.Sync {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Delivery.SweepInterval.Std() != 250*time.Millisecond || cfg.Delivery.MaxDeliveries != 5 {
		t.Fatalf("delivery section = %+v", cfg.Delivery)
	}
	if cfg.JournalPath() != "/mnt/fast/journal.dat" {
		t.Fatalf("absolute journal path not kept: %s", cfg.JournalPath())
	}
}

func TestLoadRejectsYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "flomq.yaml")
	if err := os.WriteFile(file, []byte("dataDir: x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected yaml to be rejected")
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("FLOMQ_ALLOW_AUTO_CREATE", "false")
	t.Setenv("FLOMQ_DATA_DIR", "/tmp/mq")
	t.Setenv("FLOMQ_JOURNAL_BLOCK_SIZE", "8192")
	t.Setenv("FLOMQ_DELIVERY_SETTLE_TIMEOUT", "2s")
	t.Setenv("FLOMQ_DELIVERY_PREFETCH", "not-a-number")
	FromEnv(&cfg)
	if cfg.AllowAutoCreate {
		t.Fatalf("env override bool")
	}
	if cfg.DataDir != "/tmp/mq" || cfg.Journal.BlockSize != 8192 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Delivery.SettleTimeout.Std() != 2*time.Second {
		t.Fatalf("env override duration")
	}
	if cfg.Delivery.DefaultPrefetch != 100 {
		t.Fatalf("malformed value should be ignored, got %d", cfg.Delivery.DefaultPrefetch)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Journal.BlockSize = 100
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected block size error")
	}
	cfg = Default()
	cfg.Storage.Fsync = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected fsync error")
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/journal"
	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
	"github.com/rzbill/flomq/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string `json:"dataDir" toml:"dataDir"`
	GRPCAddr string `json:"grpcAddr" toml:"grpcAddr"`
	// HTTPAddr serves the admin API; empty disables it.
	HTTPAddr        string         `json:"httpAddr" toml:"httpAddr"`
	Workers         int            `json:"workers" toml:"workers"`
	AllowAutoCreate bool           `json:"allowAutoCreate" toml:"allowAutoCreate"`
	Log             log.Config     `json:"log" toml:"log"`
	Journal         JournalConfig  `json:"journal" toml:"journal"`
	Delivery        DeliveryConfig `json:"delivery" toml:"delivery"`
	Storage         StorageConfig  `json:"storage" toml:"storage"`
}

// JournalConfig sizes the journal writer.
type JournalConfig struct {
	// File is relative to DataDir unless absolute.
	File          string `json:"file" toml:"file"`
	BlockSize     int    `json:"blockSize" toml:"blockSize"`
	RingCapacity  int    `json:"ringCapacity" toml:"ringCapacity"`
	MaxPending    int    `json:"maxPending" toml:"maxPending"`
	MaxRecordSize int    `json:"maxRecordSize" toml:"maxRecordSize"`
	// Sync fsyncs the journal file on every group commit.
	Sync bool `json:"sync" toml:"sync"`
}

// DeliveryConfig holds per-address delivery defaults.
type DeliveryConfig struct {
	DefaultPrefetch uint32   `json:"defaultPrefetch" toml:"defaultPrefetch"`
	SettleTimeout   Duration `json:"settleTimeout" toml:"settleTimeout"`
	SweepInterval   Duration `json:"sweepInterval" toml:"sweepInterval"`
	MaxDeliveries   uint32   `json:"maxDeliveries" toml:"maxDeliveries"`
	DedupWindow     int      `json:"dedupWindow" toml:"dedupWindow"`
}

// StorageConfig configures the Pebble metadata store.
type StorageConfig struct {
	Fsync         string   `json:"fsync" toml:"fsync"`
	FsyncInterval Duration `json:"fsyncInterval" toml:"fsyncInterval"`
}

// Duration is a time.Duration that reads and writes as "1.5s" style text.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir(),
		GRPCAddr:        ":7070",
		HTTPAddr:        ":7071",
		Workers:         8,
		AllowAutoCreate: true,
		Log:             log.Config{Level: "info", Format: "text"},
		Journal: JournalConfig{
			File:          "journal.dat",
			BlockSize:     journal.DefaultBlockSize,
			RingCapacity:  journal.DefaultRingCapacity,
			MaxPending:    journal.DefaultMaxPending,
			MaxRecordSize: journal.DefaultMaxRecordSize,
			Sync:          true,
		},
		Delivery: DeliveryConfig{
			DefaultPrefetch: delivery.DefaultPrefetch,
			SettleTimeout:   Duration(delivery.DefaultSettleTimeout),
			SweepInterval:   Duration(time.Second),
			DedupWindow:     delivery.DefaultDedupWindow,
		},
		Storage: StorageConfig{Fsync: "interval", FsyncInterval: Duration(5 * time.Millisecond)},
	}
}

// Load reads configuration from a JSON or TOML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	case ".yaml", ".yml":
		return Config{}, errors.New("config: yaml is not supported; use JSON or TOML")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: dataDir is required")
	}
	if c.Journal.BlockSize != 0 && c.Journal.BlockSize < journal.MinBlockSize {
		return fmt.Errorf("config: journal.blockSize must be at least %d", journal.MinBlockSize)
	}
	if c.Journal.RingCapacity < 0 || c.Journal.MaxPending < 0 || c.Journal.MaxRecordSize < 0 {
		return errors.New("config: journal sizes must not be negative")
	}
	if c.Delivery.SettleTimeout < 0 || c.Delivery.SweepInterval < 0 {
		return errors.New("config: delivery durations must not be negative")
	}
	if _, err := pebblestore.ParseFsyncMode(c.Storage.Fsync); err != nil {
		return fmt.Errorf("config: storage.fsync: %w", err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// JournalPath returns the journal file location.
func (c Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.File) {
		return c.Journal.File
	}
	return filepath.Join(c.DataDir, c.Journal.File)
}

// MetaDir returns the Pebble metadata directory.
func (c Config) MetaDir() string { return filepath.Join(c.DataDir, "meta") }

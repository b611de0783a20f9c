package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays FLOMQ_* environment variables onto cfg. Malformed values
// are ignored.
func FromEnv(cfg *Config) {
	str("FLOMQ_DATA_DIR", &cfg.DataDir)
	str("FLOMQ_GRPC_ADDR", &cfg.GRPCAddr)
	str("FLOMQ_HTTP_ADDR", &cfg.HTTPAddr)
	num("FLOMQ_WORKERS", &cfg.Workers)
	boolean("FLOMQ_ALLOW_AUTO_CREATE", &cfg.AllowAutoCreate)

	str("FLOMQ_LOG_LEVEL", &cfg.Log.Level)
	str("FLOMQ_LOG_FORMAT", &cfg.Log.Format)

	str("FLOMQ_JOURNAL_FILE", &cfg.Journal.File)
	num("FLOMQ_JOURNAL_BLOCK_SIZE", &cfg.Journal.BlockSize)
	num("FLOMQ_JOURNAL_RING_CAPACITY", &cfg.Journal.RingCapacity)
	num("FLOMQ_JOURNAL_MAX_PENDING", &cfg.Journal.MaxPending)
	boolean("FLOMQ_JOURNAL_SYNC", &cfg.Journal.Sync)

	if v := os.Getenv("FLOMQ_DELIVERY_PREFETCH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Delivery.DefaultPrefetch = uint32(n)
		}
	}
	if v := os.Getenv("FLOMQ_DELIVERY_MAX_DELIVERIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Delivery.MaxDeliveries = uint32(n)
		}
	}
	dur("FLOMQ_DELIVERY_SETTLE_TIMEOUT", &cfg.Delivery.SettleTimeout)
	dur("FLOMQ_DELIVERY_SWEEP_INTERVAL", &cfg.Delivery.SweepInterval)

	str("FLOMQ_STORAGE_FSYNC", &cfg.Storage.Fsync)
	dur("FLOMQ_STORAGE_FSYNC_INTERVAL", &cfg.Storage.FsyncInterval)
}

func str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func num(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolean(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func dur(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

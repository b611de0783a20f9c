package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/rzbill/flomq/internal/blockstore"
	"github.com/rzbill/flomq/internal/broker"
	cfgpkg "github.com/rzbill/flomq/internal/config"
	"github.com/rzbill/flomq/internal/journal"
	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
	"github.com/rzbill/flomq/internal/worker"
	"github.com/rzbill/flomq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Clock drives redelivery timeouts; the wall clock when nil.
	Clock clock.Clock
}

// Runtime owns the storage and worker resources of a single-node broker.
type Runtime struct {
	config  cfgpkg.Config
	logger  log.Logger
	pool    *worker.Pool
	db      *pebblestore.DB
	journal *journal.Journal
	broker  *broker.Broker
}

// Open creates the data directory, opens the metadata DB and the journal
// (running recovery) and starts the broker.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: data dir: %w", err)
	}
	fsync, _ := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)

	rt := &Runtime{config: cfg, logger: logger.WithComponent("runtime")}
	rt.pool = worker.NewPool(cfg.Workers, logger)

	var err error
	rt.db, err = pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.MetaDir(),
		Fsync:         fsync,
		FsyncInterval: cfg.Storage.FsyncInterval.Std(),
	})
	if err != nil {
		return nil, rt.abort(err)
	}

	store, err := blockstore.OpenFile(cfg.JournalPath(), cfg.Journal.Sync)
	if err != nil {
		return nil, rt.abort(err)
	}
	rt.journal, err = journal.Open(store, journal.Options{
		BlockSize:     cfg.Journal.BlockSize,
		RingCapacity:  cfg.Journal.RingCapacity,
		MaxPending:    cfg.Journal.MaxPending,
		MaxRecordSize: cfg.Journal.MaxRecordSize,
		Pool:          rt.pool,
		Logger:        logger,
	})
	if err != nil {
		return nil, rt.abort(multierr.Append(err, store.Close()))
	}

	rt.broker, err = broker.Open(broker.Options{
		Journal:         rt.journal,
		DB:              rt.db,
		Pool:            rt.pool,
		Clock:           opts.Clock,
		Logger:          logger,
		AllowAutoCreate: cfg.AllowAutoCreate,
		DefaultPrefetch: cfg.Delivery.DefaultPrefetch,
		SettleTimeout:   cfg.Delivery.SettleTimeout.Std(),
		SweepInterval:   cfg.Delivery.SweepInterval.Std(),
		MaxDeliveries:   cfg.Delivery.MaxDeliveries,
		DedupWindow:     cfg.Delivery.DedupWindow,
	})
	if err != nil {
		return nil, rt.abort(err)
	}
	st := rt.journal.Stats()
	rt.logger.Info("runtime open", log.Str("data_dir", cfg.DataDir), log.Str("journal", cfg.JournalPath()),
		log.Int("block_size", rt.journal.BlockSize()), log.Int64("replay_start", st.ReplayStart), log.Int64("position", st.Position))
	return rt, nil
}

func (r *Runtime) abort(cause error) error {
	return multierr.Append(cause, r.Close())
}

// Close stops the broker, then closes the journal, the worker pool and the
// DB in that order.
func (r *Runtime) Close() error {
	var err error
	if r.broker != nil {
		err = multierr.Append(err, r.broker.Close())
		r.broker = nil
	}
	if r.journal != nil {
		err = multierr.Append(err, r.journal.Close())
		r.journal = nil
	}
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	if r.db != nil {
		err = multierr.Append(err, r.db.Close())
		r.db = nil
	}
	return err
}

// CheckHealth reports a failed journal or a closed runtime.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db == nil || r.journal == nil {
		return errors.New("runtime: closed")
	}
	if err := r.journal.Err(); err != nil {
		return err
	}
	_, err := r.db.Get([]byte("health"))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil
	}
	return err
}

// Broker returns the message broker.
func (r *Runtime) Broker() *broker.Broker { return r.broker }

// Journal returns the journal, for stats.
func (r *Runtime) Journal() *journal.Journal { return r.journal }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

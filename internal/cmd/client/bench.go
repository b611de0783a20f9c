package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/flomq/internal/broker"
	cfgpkg "github.com/rzbill/flomq/internal/config"
	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/runtime"
	"github.com/rzbill/flomq/pkg/log"
)

type benchOptions struct {
	DataDir    string
	Messages   int
	Prefetch   uint32
	BodySize   int
	Durable    bool
	SettleMode string
	BlockSize  int
	Sync       bool
}

type benchResult struct {
	Sent     int
	Received int
	Elapsed  time.Duration
}

// NewBenchCommand constructs `bench`, which runs a producer and a consumer
// against an in-process broker.
func NewBenchCommand() *cobra.Command {
	var o benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure send/receive throughput of an in-process broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := runBench(cmd.Context(), o, cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.DataDir, "data-dir", "", "Data directory (temporary when empty)")
	f.IntVar(&o.Messages, "messages", 10000, "Messages to send")
	f.Uint32Var(&o.Prefetch, "prefetch", delivery.DefaultPrefetch, "Consumer prefetch")
	f.IntVar(&o.BodySize, "body-size", 128, "Body size in bytes")
	f.BoolVar(&o.Durable, "durable", true, "Journal every message")
	f.StringVar(&o.SettleMode, "settle", "take-at-least-once", "Consumer settle mode")
	f.IntVar(&o.BlockSize, "block-size", 0, "Journal block size (default from config)")
	f.BoolVar(&o.Sync, "sync", false, "fsync the journal on every group commit")
	return cmd
}

func runBench(ctx context.Context, o benchOptions, out io.Writer) (benchResult, error) {
	mode, err := delivery.ParseSettleMode(o.SettleMode)
	if err != nil {
		return benchResult{}, err
	}
	if o.DataDir == "" {
		dir, err := os.MkdirTemp("", "flomq-bench-")
		if err != nil {
			return benchResult{}, err
		}
		defer os.RemoveAll(dir)
		o.DataDir = dir
	}
	cfg := cfgpkg.Default()
	cfg.DataDir = o.DataDir
	cfg.Journal.Sync = o.Sync
	if o.BlockSize > 0 {
		cfg.Journal.BlockSize = o.BlockSize
	}
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: log.NewNopLogger()})
	if err != nil {
		return benchResult{}, err
	}
	defer rt.Close()

	b := rt.Broker()
	if _, err := b.Declare("bench", broker.AddressOptions{SettleMode: mode, Prefetch: o.Prefetch}); err != nil {
		return benchResult{}, err
	}
	r, err := b.Subscribe("bench", broker.SubscribeOptions{Name: "bench-consumer"})
	if err != nil {
		return benchResult{}, err
	}
	defer r.Close()

	body := make([]byte, o.BodySize)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	var settled, failed atomic.Int64
	res := benchResult{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < o.Messages; i++ {
			_, err := b.Send(gctx, "bench", broker.SendRequest{
				Durable: o.Durable,
				Body:    body,
				OnSettled: func(_ uint64, err error) {
					if err != nil {
						failed.Add(1)
					}
					settled.Add(1)
				},
			})
			if err != nil {
				return fmt.Errorf("send %d: %w", i, err)
			}
			res.Sent++
		}
		return nil
	})
	g.Go(func() error {
		for res.Received < o.Messages {
			d, err := r.Receive(gctx)
			if err != nil {
				return err
			}
			if mode == delivery.ApplicationAck {
				if err := d.Accept(); err != nil {
					return err
				}
			}
			res.Received++
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	if n := failed.Load(); n > 0 {
		return res, fmt.Errorf("%d messages failed to journal", n)
	}

	st := rt.Journal().Stats()
	rate := float64(res.Received) / res.Elapsed.Seconds()
	fmt.Fprintf(out, "messages=%d durable=%v settle=%s prefetch=%d body=%dB\n",
		res.Received, o.Durable, mode, o.Prefetch, o.BodySize)
	fmt.Fprintf(out, "elapsed=%s rate=%.0f msg/s settled=%d\n", res.Elapsed.Round(time.Millisecond), rate, settled.Load())
	fmt.Fprintf(out, "journal records=%d fragments=%d flushes=%d checkpoints=%d\n",
		st.Records, st.Fragments, st.Flushes, st.Checkpoints)
	return res, nil
}

package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rzbill/flomq/pkg/log"
)

// Sweeper periodically returns timed-out deliveries of a set of channels.
type Sweeper struct {
	clock    clock.Clock
	interval time.Duration
	channels func() []*Channel
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over the channels returned by channels.
func NewSweeper(clk clock.Clock, interval time.Duration, channels func() []*Channel, logger log.Logger) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		clock:    clk,
		interval: interval,
		channels: channels,
		logger:   logger.WithComponent("sweeper"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop ends the loop and waits for it.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Sweep runs one pass and returns how many deliveries were released.
func (s *Sweeper) Sweep() int {
	n := 0
	for _, ch := range s.channels() {
		n += ch.RedeliverExpired()
	}
	return n
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("redelivery sweeper started", log.Dur("interval", s.interval))
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("released timed-out deliveries", log.Int("count", n))
			}
		}
	}
}

// Package reaper reclaims messages whose worker died mid-send: SENDING rows
// with an expired lease go back to RETRYING so another worker can pick them
// up.
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/store"
)

// ReaperStore defines what the reaper needs from the store layer.
type ReaperStore interface {
	store.TenantLister
	ReapExpiredLeases(ctx context.Context, tenantID string, backoff time.Duration) (int, error)
}

type Config struct {
	Interval time.Duration
	// Backoff is the fixed delay before a reaped message is claimable
	// again. Lease expiry is a worker fault, not a provider fault, so the
	// provider backoff ladder does not apply.
	Backoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Backoff:  60 * time.Second,
	}
}

type Reaper struct {
	store  ReaperStore
	config Config
	clock  clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReaper(reaperStore ReaperStore, cfg Config, clock clockwork.Clock) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{
		store:    reaperStore,
		config:   cfg,
		clock:    clock,
		stopChan: make(chan struct{}),
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().
		Dur("interval", r.config.Interval).
		Dur("backoff", r.config.Backoff).
		Msg("lease reaper started")

	return nil
}

func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	log.Info().Msg("lease reaper stopped")
	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			if _, err := r.ReapOnce(ctx); err != nil {
				log.Error().Err(err).Msg("lease reap cycle failed")
			}
		}
	}
}

// ReapOnce sweeps every known tenant once and returns the number of leases
// reclaimed. Safe to run concurrently with workers and with other reaper
// instances: the store only reaps rows whose lease is still expired at the
// moment of the update.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}

	total := 0
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		count, err := r.store.ReapExpiredLeases(ctx, tenantID, r.config.Backoff)
		if err != nil {
			log.Error().
				Err(err).
				Str("tenant_id", tenantID).
				Msg("failed to reap expired leases")
			continue
		}
		if count > 0 {
			log.Warn().
				Str("tenant_id", tenantID).
				Int("count", count).
				Msg("reclaimed expired leases")
		}
		total += count
	}

	return total, nil
}

package server

import (
	"context"
	"time"

	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// OrphanReason is written to error_message of reaped commands.
const OrphanReason = "orphaned: claiming instance stopped heartbeating"

// DefaultReapInterval is how often the reaper runs when none is configured.
const DefaultReapInterval = time.Minute

// Reaper fails commands whose claiming instance died mid-execution and
// purges old terminal rows. Reaped commands are never re-queued.
type Reaper struct {
	maint        store.Maintenance
	leaseTimeout time.Duration
	retention    time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

// NewReaper creates a reaper. A zero leaseTimeout disables orphan handling
// and a zero retention disables purging.
func NewReaper(maint store.Maintenance, leaseTimeout, retention time.Duration, log zerolog.Logger) *Reaper {
	return &Reaper{
		maint:        maint,
		leaseTimeout: leaseTimeout,
		retention:    retention,
		now:          time.Now,
		log:          log.With().Str("component", "reaper").Logger(),
	}
}

// Enabled reports whether the reaper has any work to do.
func (r *Reaper) Enabled() bool {
	return r.leaseTimeout > 0 || r.retention > 0
}

// Run sweeps once at startup and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if !r.Enabled() {
		r.log.Debug().Msg("reaper disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	r.log.Info().
		Dur("interval", interval).
		Dur("lease_timeout", r.leaseTimeout).
		Dur("retention", r.retention).
		Msg("starting reaper loop")

	r.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper loop stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many rows were failed and purged.
func (r *Reaper) Sweep(ctx context.Context) (orphaned, purged int64) {
	now := r.now()

	if r.leaseTimeout > 0 {
		cutoff := now.Add(-r.leaseTimeout)
		n, err := r.maint.FailOrphaned(ctx, cutoff, cutoff, OrphanReason)
		if err != nil {
			r.log.Error().Err(err).Msg("failed to reap orphaned commands")
		} else if n > 0 {
			r.log.Warn().Int64("count", n).Msg("failed orphaned commands")
		}
		orphaned = n
	}

	if r.retention > 0 {
		n, err := r.maint.PurgeTerminal(ctx, now.Add(-r.retention))
		if err != nil {
			r.log.Error().Err(err).Msg("failed to purge terminal commands")
		} else if n > 0 {
			r.log.Info().Int64("commands", n).Msg("retention cleanup complete")
		}
		purged = n
	}
	return orphaned, purged
}

// Package relay delivers remote commands to this desktop exactly once.
//
// Two delivery paths feed one candidate stream: a push subscription for
// low latency and a poller as the safety net. The Dispatcher consumes the
// stream, filters it through a bounded dedup set and claims each command
// with a conditional update on the store. The claim is what guarantees
// at-most-once execution; everything before it is a fast path.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// Config configures a relay for one signed-in user on one instance.
type Config struct {
	UserID        string
	InstanceID    string
	PollInterval  time.Duration
	MaxConcurrent int
	QueueSize     int
	SeenCapacity  int
	Hooks         Hooks
}

// Relay wires subscriber, poller and dispatcher together.
type Relay struct {
	cfg        Config
	feed       Feed
	commands   store.Commands
	dispatcher *Dispatcher
	log        zerolog.Logger
}

// New creates a relay. feed may be nil, in which case only polling runs.
func New(cfg Config, feed Feed, commands store.Commands, scripts store.Scripts, b backend.Backend, log zerolog.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		feed:     feed,
		commands: commands,
		dispatcher: NewDispatcher(DispatcherConfig{
			UserID:        cfg.UserID,
			InstanceID:    cfg.InstanceID,
			MaxConcurrent: cfg.MaxConcurrent,
			QueueSize:     cfg.QueueSize,
			SeenCapacity:  cfg.SeenCapacity,
			Hooks:         cfg.Hooks,
		}, commands, scripts, b, log),
		log: log.With().Str("component", "relay").Logger(),
	}
}

// Dispatcher exposes the core for inspection.
func (r *Relay) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Run blocks until ctx is done and every in-flight command has finished.
func (r *Relay) Run(ctx context.Context) {
	r.log.Info().
		Str("user_id", r.cfg.UserID).
		Str("instance_id", r.cfg.InstanceID).
		Bool("push", r.feed != nil).
		Msg("relay starting")

	candidates := make(chan Candidate, 16)
	seen := r.dispatcher.Seen()
	onErr := func(err error) {
		if r.cfg.Hooks.OnError != nil {
			r.dispatcher.notify(func() { r.cfg.Hooks.OnError(nil, err) })
		}
	}

	var wg sync.WaitGroup
	if r.feed != nil {
		sub := NewSubscriber(r.feed, r.cfg.UserID, seen, candidates, onErr, r.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Run(ctx)
		}()
	}

	poller := NewPoller(r.commands, r.cfg.UserID, r.cfg.InstanceID, r.cfg.PollInterval, seen, candidates, onErr, r.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()

	r.dispatcher.Run(ctx, candidates)
	wg.Wait()
	r.log.Info().Msg("relay stopped")
}

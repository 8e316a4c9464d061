// Package agent implements the desktop side of the relay.
//
// The Agent follows the session: while a user is signed in it keeps the
// instance registered and heartbeating and runs the relay; on sign-out or
// shutdown it stops both and marks the instance inactive.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/deskrelay/internal/auth"
	"github.com/markus-barta/deskrelay/internal/backend"
	"github.com/markus-barta/deskrelay/internal/registry"
	"github.com/markus-barta/deskrelay/internal/relay"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// Version is the desktop agent version reported at registration.
const Version = "0.3.0"

const (
	defaultDeactivateTimeout = 5 * time.Second
	registerRetryInterval    = 10 * time.Second
)

// Store is what the desktop needs from the shared store.
type Store interface {
	store.Commands
	store.Scripts
	store.Instances
}

// FeedFactory builds the push feed for a signed-in identity. Returning nil
// runs the relay on polling alone.
type FeedFactory func(id auth.Identity) relay.Feed

// Config holds agent settings.
type Config struct {
	DeviceName        string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxConcurrent     int
	SeenCapacity      int
	DeactivateTimeout time.Duration
	Hooks             relay.Hooks
}

// Agent coordinates registry and relay around the session.
type Agent struct {
	cfg      Config
	session  *auth.Session
	identity registry.IdentitySource
	store    Store
	backend  backend.Backend
	feeds    FeedFactory
	log      zerolog.Logger

	mu      sync.RWMutex
	current *run
}

// run is one signed-in lifetime.
type run struct {
	userID     string
	instanceID string
	cancel     context.CancelFunc
	done       chan struct{}
	reg        *registry.Client
}

// Status is a snapshot for the CLI.
type Status struct {
	Running    bool
	UserID     string
	InstanceID string
}

// New creates an agent. feeds may be nil.
func New(cfg Config, session *auth.Session, identity registry.IdentitySource, st Store, b backend.Backend, feeds FeedFactory, log zerolog.Logger) *Agent {
	if cfg.DeactivateTimeout <= 0 {
		cfg.DeactivateTimeout = defaultDeactivateTimeout
	}
	return &Agent{
		cfg:      cfg,
		session:  session,
		identity: identity,
		store:    st,
		backend:  b,
		feeds:    feeds,
		log:      log.With().Str("component", "agent").Logger(),
	}
}

// Run follows the session until ctx is done. It returns after the relay
// has drained and the instance has been deactivated.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Str("version", Version).Msg("starting agent")

	changes := a.session.Watch()
	retry := time.NewTicker(registerRetryInterval)
	defer retry.Stop()

	a.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			a.stop()
			a.log.Info().Msg("agent stopped")
			return nil
		case <-changes:
			a.sync(ctx)
		case <-retry.C:
			// Picks up a sign-in whose registration failed earlier.
			a.sync(ctx)
		}
	}
}

// Status reports whether the relay is running and for whom.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return Status{}
	}
	return Status{Running: true, UserID: a.current.userID, InstanceID: a.current.instanceID}
}

// sync starts, stops or restarts the relay to match the session.
func (a *Agent) sync(ctx context.Context) {
	who, err := a.session.Current()

	a.mu.RLock()
	cur := a.current
	a.mu.RUnlock()

	switch {
	case err != nil && cur != nil:
		a.log.Info().Str("user_id", cur.userID).Msg("signed out, stopping relay")
		a.stop()
	case err == nil && cur != nil && cur.userID != who.UserID:
		a.log.Info().Str("user_id", who.UserID).Msg("user changed, restarting relay")
		a.stop()
		a.start(ctx, who)
	case err == nil && cur == nil:
		a.start(ctx, who)
	}
}

func (a *Agent) start(ctx context.Context, who auth.Identity) {
	reg := registry.New(a.store, a.identity, a.session, Version, a.log)
	inst, err := reg.Register(ctx, a.cfg.DeviceName)
	if err != nil {
		a.log.Error().Err(err).Msg("registration failed, will retry")
		return
	}

	var feed relay.Feed
	if a.feeds != nil {
		feed = a.feeds(who)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		userID:     who.UserID,
		instanceID: inst.InstanceID,
		cancel:     cancel,
		done:       make(chan struct{}),
		reg:        reg,
	}

	rl := relay.New(relay.Config{
		UserID:        who.UserID,
		InstanceID:    inst.InstanceID,
		PollInterval:  a.cfg.PollInterval,
		MaxConcurrent: a.cfg.MaxConcurrent,
		SeenCapacity:  a.cfg.SeenCapacity,
		Hooks:         a.cfg.Hooks,
	}, feed, a.store, a.store, a.backend, a.log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.Run(rctx, a.cfg.HeartbeatInterval)
	}()
	go func() {
		defer wg.Done()
		rl.Run(rctx)
	}()
	go func() {
		wg.Wait()
		close(r.done)
	}()

	a.mu.Lock()
	a.current = r
	a.mu.Unlock()

	a.log.Info().
		Str("user_id", who.UserID).
		Str("instance_id", inst.InstanceID).
		Msg("relay running")
}

// stop cancels the current run, waits for in-flight work and deactivates
// the instance. Deactivation is bounded so shutdown cannot hang on it.
func (a *Agent) stop() {
	a.mu.Lock()
	r := a.current
	a.current = nil
	a.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeactivateTimeout)
	defer cancel()
	r.reg.Deactivate(ctx)
}

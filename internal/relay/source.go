package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the fallback sweep cadence.
const DefaultPollInterval = 5 * time.Second

// Source names the path that observed a candidate.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Candidate is a command row observed by either delivery path. The
// dispatcher does not care which one.
type Candidate struct {
	Command *command.RemoteCommand
	Source  Source
}

// Feed is a push transport for inserted rows of one user. Subscribe blocks
// until ctx is done. Connection problems are passed to onErr and handled by
// the transport's own reconnect policy; a returned error means the feed
// gave up.
type Feed interface {
	Subscribe(ctx context.Context, userID string, deliver func(*command.RemoteCommand), onErr func(error)) error
}

// TransportError is a push channel failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError is a store failure inside the relay.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ═══════════════════════════════════════════════════════════════════════════
// SUBSCRIBER
// ═══════════════════════════════════════════════════════════════════════════

// Subscriber forwards pushed rows into the candidate stream.
type Subscriber struct {
	feed    Feed
	userID  string
	seen    *SeenSet
	out     chan<- Candidate
	onError func(error)
	log     zerolog.Logger
}

// NewSubscriber creates a subscriber. onError may be nil.
func NewSubscriber(feed Feed, userID string, seen *SeenSet, out chan<- Candidate, onError func(error), log zerolog.Logger) *Subscriber {
	return &Subscriber{
		feed:    feed,
		userID:  userID,
		seen:    seen,
		out:     out,
		onError: onError,
		log:     log.With().Str("component", "subscriber").Logger(),
	}
}

// Run blocks until ctx is done or the feed gives up. It never returns an
// error: the poller covers whatever the push path misses.
func (s *Subscriber) Run(ctx context.Context) {
	s.log.Info().Str("user_id", s.userID).Msg("subscribing to command inserts")

	deliver := func(cmd *command.RemoteCommand) {
		if cmd == nil || s.seen.Contains(cmd.ID) {
			return
		}
		select {
		case s.out <- Candidate{Command: cmd, Source: SourcePush}:
		case <-ctx.Done():
		}
	}

	if err := s.feed.Subscribe(ctx, s.userID, deliver, s.report); err != nil && ctx.Err() == nil {
		s.report(err)
		s.log.Error().Err(err).Msg("push subscription stopped, relying on poller")
	}
}

func (s *Subscriber) report(err error) {
	terr := &TransportError{Err: err}
	s.log.Warn().Err(err).Msg("push channel error")
	if s.onError != nil {
		s.onError(terr)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// POLLER
// ═══════════════════════════════════════════════════════════════════════════

// Poller sweeps pending rows on a fixed interval.
type Poller struct {
	commands   store.Commands
	userID     string
	instanceID string
	interval   time.Duration
	seen       *SeenSet
	out        chan<- Candidate
	onError    func(error)
	log        zerolog.Logger
}

// NewPoller creates a poller. onError may be nil.
func NewPoller(commands store.Commands, userID, instanceID string, interval time.Duration, seen *SeenSet, out chan<- Candidate, onError func(error), log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		commands:   commands,
		userID:     userID,
		instanceID: instanceID,
		interval:   interval,
		seen:       seen,
		out:        out,
		onError:    onError,
		log:        log.With().Str("component", "poller").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	pending, err := p.commands.ListPending(ctx, p.userID, p.instanceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Err(err).Msg("poll failed")
		if p.onError != nil {
			p.onError(&PersistenceError{Op: "list_pending", Err: err})
		}
		return
	}

	for _, cmd := range pending {
		if p.seen.Contains(cmd.ID) {
			continue
		}
		select {
		case p.out <- Candidate{Command: cmd, Source: SourcePoll}:
		case <-ctx.Done():
			return
		}
	}
}

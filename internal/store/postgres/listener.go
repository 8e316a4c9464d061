package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// Listener turns NOTIFY announcements of the insert trigger into command
// rows. It owns its reconnect policy: a dropped connection is reported and then
// re-acquired from the pool with backoff.
type Listener struct {
	store *Store
	log   zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewListener creates a listener on the store's pool.
func NewListener(s *Store, log zerolog.Logger) *Listener {
	return &Listener{
		store:          s,
		log:            log.With().Str("component", "pg-listener").Logger(),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Subscribe delivers rows of userID until ctx is cancelled.
func (l *Listener) Subscribe(ctx context.Context, userID string, deliver func(*command.RemoteCommand), onErr func(error)) error {
	backoff := l.initialBackoff
	for {
		err := l.listen(ctx, userID, deliver, func() { backoff = l.initialBackoff })
		if ctx.Err() != nil {
			return nil
		}
		onErr(err)
		l.log.Warn().Err(err).Dur("retry_in", backoff).Msg("listen connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context, userID string, deliver func(*command.RemoteCommand), connected func()) error {
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	l.log.Debug().Str("user_id", userID).Msg("listening for commands")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var note announcement
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			l.log.Warn().Err(err).Msg("undecodable notification")
			continue
		}
		if note.UserID != userID || note.ID == "" {
			continue
		}

		cmd, err := l.store.GetCommand(ctx, note.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			// The poller still sees the row.
			l.log.Warn().Err(err).Str("command_id", note.ID).Msg("load announced command")
			continue
		}
		deliver(cmd)
	}
}

// announcement is the payload written by the insert trigger.
type announcement struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	DesktopInstanceID string `json:"desktop_instance_id"`
	Status            string `json:"status"`
}

// Package postgres implements the relay store on Postgres.
//
// This is the hosted deployment: many desktop instances of many users share
// one database, and inserts are announced on the remote_commands channel by a
// trigger so desktops can LISTEN instead of waiting for the next poll.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/rs/zerolog"
)

// NotifyChannel is the LISTEN/NOTIFY channel announcing inserted commands.
// Payloads carry only the routing columns; NOTIFY rejects payloads of 8000
// bytes or more, so listeners load the full row themselves.
const NotifyChannel = "remote_commands"

// Store implements store.Store on a pgx pool.
type Store struct {
	log  zerolog.Logger
	pool *pgxpool.Pool
}

// Open connects, pings and migrates.
func Open(ctx context.Context, databaseURL string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		log:  log.With().Str("component", "store").Str("driver", "postgres").Logger(),
		pool: pool,
	}, nil
}

// Pool exposes the pool for the notification listener.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS remote_commands (
	id                  uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	seq                 bigserial,
	user_id             text NOT NULL,
	command_type        text NOT NULL CHECK (command_type IN ('chat', 'ai', 'agent', 'manual', 'script')),
	command_text        text,
	script_id           text,
	mode                text,
	desktop_instance_id text,
	status              text NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'executing', 'completed', 'failed')),
	device_info         jsonb,
	claimed_by          text,
	created_at          timestamptz NOT NULL DEFAULT now(),
	executed_at         timestamptz,
	completed_at        timestamptz,
	result_message      text,
	error_message       text,
	result_data         jsonb
);
CREATE INDEX IF NOT EXISTS idx_remote_commands_pending ON remote_commands(user_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_remote_commands_executing ON remote_commands(status, executed_at);

CREATE TABLE IF NOT EXISTS chat_responses (
	id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id    text NOT NULL,
	command_id uuid NOT NULL REFERENCES remote_commands(id) ON DELETE CASCADE,
	message    text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_responses_command ON chat_responses(command_id);

CREATE TABLE IF NOT EXISTS scripts (
	id            text PRIMARY KEY,
	user_id       text NOT NULL,
	name          text NOT NULL,
	description   text,
	commands      jsonb NOT NULL DEFAULT '[]',
	is_active     boolean NOT NULL DEFAULT true,
	usage_count   integer NOT NULL DEFAULT 0,
	last_executed timestamptz,
	created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS desktop_instances (
	instance_id  text PRIMARY KEY,
	user_id      text NOT NULL,
	device_name  text,
	platform     text,
	arch         text,
	version      text,
	last_seen_at timestamptz NOT NULL DEFAULT now(),
	is_active    boolean NOT NULL DEFAULT true,
	created_at   timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_desktop_instances_user ON desktop_instances(user_id);

CREATE OR REPLACE FUNCTION notify_remote_command() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('remote_commands', json_build_object(
		'id', NEW.id,
		'user_id', NEW.user_id,
		'desktop_instance_id', NEW.desktop_instance_id,
		'status', NEW.status
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS remote_commands_notify ON remote_commands;
CREATE TRIGGER remote_commands_notify
	AFTER INSERT ON remote_commands
	FOR EACH ROW EXECUTE FUNCTION notify_remote_command();
`

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrConflict
		case "23503":
			return store.ErrNotFound
		case "22P02":
			// invalid uuid text: no such row can exist
			return store.ErrNotFound
		default:
			return fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonArg(raw []byte) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package store defines the shared relational store used by the relay: the
// remote_commands table and its companions (chat_responses, scripts,
// desktop_instances).
//
// Two implementations exist. store/sqlite is the single-host store (and the
// one tests run against); store/postgres is the hosted store with row-level
// change notification.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/script"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique key violations and on state
	// transitions the row is not in a state for.
	ErrConflict = errors.New("conflict")
	// ErrLeaseLost is returned when a status write finds the row no longer
	// executing under the caller's claim, for example after the reaper
	// failed it.
	ErrLeaseLost = errors.New("lease lost")
)

// Commands is the command store gateway.
type Commands interface {
	// InsertCommand stores a new pending row. ID and CreatedAt are assigned
	// by the store and returned.
	InsertCommand(ctx context.Context, cmd *command.RemoteCommand) (*command.RemoteCommand, error)

	// GetCommand loads one row or returns ErrNotFound.
	GetCommand(ctx context.Context, id string) (*command.RemoteCommand, error)

	// ListPending returns pending rows of the user that are untargeted or
	// targeted at instanceID, oldest first.
	ListPending(ctx context.Context, userID, instanceID string) ([]*command.RemoteCommand, error)

	// Claim atomically moves a row from pending to executing. It returns the
	// updated row, or nil and no error when the row was not pending anymore.
	Claim(ctx context.Context, id, instanceID string) (*command.RemoteCommand, error)

	// UpdateStatus writes the terminal status and payload of a row claimed
	// by instanceID. It returns ErrLeaseLost when the row is no longer
	// executing under that claim and ErrNotFound when it does not exist.
	UpdateStatus(ctx context.Context, id, instanceID string, status command.Status, out command.Outcome) error

	// Requeue moves a failed row back to pending and clears its claim and
	// outcome. It returns ErrConflict for rows that are not failed.
	Requeue(ctx context.Context, id string) (*command.RemoteCommand, error)

	// InsertChatResponse mirrors a chat answer for the mobile origin.
	InsertChatResponse(ctx context.Context, resp *command.ChatResponse) error

	// ListChatResponses returns mirrored answers of one command.
	ListChatResponses(ctx context.Context, userID, commandID string) ([]*command.ChatResponse, error)
}

// Scripts is the script store.
type Scripts interface {
	GetScript(ctx context.Context, id string) (*script.Script, error)
	// SaveScript inserts or replaces a script, keeping its usage counters.
	SaveScript(ctx context.Context, s *script.Script) error
	// DeleteScript removes a script of userID. Rows of other users count as
	// missing.
	DeleteScript(ctx context.Context, userID, id string) error
	// ListScripts returns the scripts of a user ordered by name.
	ListScripts(ctx context.Context, userID string) ([]*script.Script, error)
	// RecordScriptRun increments usage_count and sets last_executed.
	RecordScriptRun(ctx context.Context, id string, at time.Time) error
}

// Instance is one row of desktop_instances.
type Instance struct {
	InstanceID string    `json:"instance_id"`
	UserID     string    `json:"user_id"`
	DeviceName string    `json:"device_name"`
	Platform   string    `json:"platform"`
	Arch       string    `json:"arch"`
	Version    string    `json:"version"`
	LastSeenAt time.Time `json:"last_seen_at"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Instances is the desktop instance registry table.
type Instances interface {
	// UpsertInstance inserts or updates by instance_id, marking it active.
	UpsertInstance(ctx context.Context, inst *Instance) (*Instance, error)
	// TouchInstance refreshes last_seen_at from the store's clock and
	// re-activates the row.
	TouchInstance(ctx context.Context, instanceID string) error
	// DeactivateInstance sets is_active=false. Rows are never deleted.
	DeactivateInstance(ctx context.Context, instanceID string) error
	ListInstances(ctx context.Context, userID string) ([]*Instance, error)
}

// Maintenance holds server-side housekeeping queries.
type Maintenance interface {
	// FailOrphaned fails executing rows claimed before claimedBefore whose
	// claiming instance has not been seen since seenBefore.
	FailOrphaned(ctx context.Context, claimedBefore, seenBefore time.Time, reason string) (int64, error)
	// PurgeTerminal deletes completed/failed rows created before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles everything one backend provides.
type Store interface {
	Commands
	Scripts
	Instances
	Maintenance
	Close() error
}

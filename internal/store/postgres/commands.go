package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
)

const commandColumns = `id::text, user_id, command_type, command_text, script_id, mode, desktop_instance_id,
	status, device_info, claimed_by, created_at, executed_at, completed_at,
	result_message, error_message, result_data`

func scanCommand(row pgx.Row) (*command.RemoteCommand, error) {
	var cmd command.RemoteCommand
	var cmdType, status string
	var text, scriptID, mode, target, claimedBy, resultMsg, errMsg *string
	var deviceInfo, resultData []byte

	err := row.Scan(&cmd.ID, &cmd.UserID, &cmdType, &text, &scriptID, &mode, &target,
		&status, &deviceInfo, &claimedBy, &cmd.CreatedAt, &cmd.ExecutedAt, &cmd.CompletedAt,
		&resultMsg, &errMsg, &resultData)
	if err != nil {
		return nil, err
	}

	cmd.Type = command.Type(cmdType)
	cmd.Status = command.Status(status)
	cmd.Text = deref(text)
	cmd.ScriptID = deref(scriptID)
	cmd.Mode = deref(mode)
	cmd.DesktopInstanceID = deref(target)
	cmd.ClaimedBy = deref(claimedBy)
	cmd.ResultMessage = deref(resultMsg)
	cmd.ErrorMessage = deref(errMsg)
	cmd.DeviceInfo = deviceInfo
	cmd.ResultData = resultData
	return &cmd, nil
}

// InsertCommand persists a new pending command. The id and created_at come
// from the database, and the insert trigger announces the row.
func (s *Store) InsertCommand(ctx context.Context, cmd *command.RemoteCommand) (*command.RemoteCommand, error) {
	out, err := scanCommand(s.pool.QueryRow(ctx, `
		insert into remote_commands (user_id, command_type, command_text, script_id, mode,
			desktop_instance_id, status, device_info)
		values ($1, $2, $3, $4, $5, $6, 'pending', $7::jsonb)
		returning `+commandColumns,
		cmd.UserID, string(cmd.Type), nullIfEmpty(cmd.Text), nullIfEmpty(cmd.ScriptID), nullIfEmpty(cmd.Mode),
		nullIfEmpty(cmd.DesktopInstanceID), jsonArg(cmd.DeviceInfo)))
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", mapPgErr(err))
	}
	return out, nil
}

// GetCommand retrieves a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.pool.QueryRow(ctx, `select `+commandColumns+` from remote_commands where id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		if mapped := mapPgErr(err); errors.Is(mapped, store.ErrNotFound) {
			return nil, mapped
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ListPending returns pending commands visible to one instance, oldest first.
func (s *Store) ListPending(ctx context.Context, userID, instanceID string) ([]*command.RemoteCommand, error) {
	rows, err := s.pool.Query(ctx, `
		select `+commandColumns+`
		from remote_commands
		where user_id = $1 and status = 'pending'
		  and (desktop_instance_id is null or desktop_instance_id = $2)
		order by created_at asc, seq asc
	`, userID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", mapPgErr(err))
	}
	defer rows.Close()

	var out []*command.RemoteCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// Claim moves a pending command to executing. A nil command without error
// means somebody else got there first.
func (s *Store) Claim(ctx context.Context, id, instanceID string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.pool.QueryRow(ctx, `
		update remote_commands
		set status = 'executing', executed_at = now(), claimed_by = $2
		where id = $1::uuid and status = 'pending'
		returning `+commandColumns,
		id, nullIfEmpty(instanceID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(mapPgErr(err), store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim command: %w", err)
	}
	return cmd, nil
}

// UpdateStatus writes the terminal status of a command still executing
// under instanceID's claim.
func (s *Store) UpdateStatus(ctx context.Context, id, instanceID string, status command.Status, out command.Outcome) error {
	tag, err := s.pool.Exec(ctx, `
		update remote_commands
		set status = $3,
		    completed_at = case when $3 in ('completed', 'failed') then now() else completed_at end,
		    result_message = $4, error_message = $5, result_data = $6::jsonb
		where id = $1::uuid and status = 'executing' and coalesce(claimed_by, '') = $2
	`, id, instanceID, string(status), nullIfEmpty(out.Message), nullIfEmpty(out.Error), jsonArg(out.Data))
	if err != nil {
		return fmt.Errorf("update command status: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, store.ErrLeaseLost)
	}
	return nil
}

// Requeue puts a failed command back to pending for another attempt.
func (s *Store) Requeue(ctx context.Context, id string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.pool.QueryRow(ctx, `
		update remote_commands
		set status = 'pending', claimed_by = null, executed_at = null, completed_at = null,
		    result_message = null, error_message = null, result_data = null
		where id = $1::uuid and status = 'failed'
		returning `+commandColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOr(ctx, id, store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue command: %w", mapPgErr(err))
	}
	return cmd, nil
}

// missingOr tells a missing row apart from one in the wrong state.
func (s *Store) missingOr(ctx context.Context, id string, stateErr error) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `select exists(select 1 from remote_commands where id = $1::uuid)`, id).Scan(&exists)
	if err != nil {
		if mapped := mapPgErr(err); errors.Is(mapped, store.ErrNotFound) {
			return mapped
		}
		return fmt.Errorf("look up command: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return stateErr
}

// InsertChatResponse mirrors a chat answer.
func (s *Store) InsertChatResponse(ctx context.Context, resp *command.ChatResponse) error {
	err := s.pool.QueryRow(ctx, `
		insert into chat_responses (user_id, command_id, message)
		values ($1, $2::uuid, $3)
		returning id::text, created_at
	`, resp.UserID, resp.CommandID, resp.Message).Scan(&resp.ID, &resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat response: %w", mapPgErr(err))
	}
	return nil
}

// ListChatResponses returns the mirrored answers of one command.
func (s *Store) ListChatResponses(ctx context.Context, userID, commandID string) ([]*command.ChatResponse, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, user_id, command_id::text, message, created_at
		from chat_responses
		where user_id = $1 and command_id = $2::uuid
		order by created_at asc
	`, userID, commandID)
	if err != nil {
		return nil, fmt.Errorf("list chat responses: %w", mapPgErr(err))
	}
	defer rows.Close()

	var out []*command.ChatResponse
	for rows.Next() {
		var r command.ChatResponse
		if err := rows.Scan(&r.ID, &r.UserID, &r.CommandID, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat response: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/deskrelay/internal/command"
	"github.com/markus-barta/deskrelay/internal/store"
)

const commandColumns = `id, user_id, command_type, command_text, script_id, mode, desktop_instance_id,
	status, device_info, claimed_by, created_at, executed_at, completed_at,
	result_message, error_message, result_data`

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*command.RemoteCommand, error) {
	var cmd command.RemoteCommand
	var cmdType, status string
	var text, scriptID, mode, target, deviceInfo, claimedBy sql.NullString
	var resultMsg, errMsg, resultData sql.NullString
	var executedAt, completedAt sql.NullTime

	err := row.Scan(&cmd.ID, &cmd.UserID, &cmdType, &text, &scriptID, &mode, &target,
		&status, &deviceInfo, &claimedBy, &cmd.CreatedAt, &executedAt, &completedAt,
		&resultMsg, &errMsg, &resultData)
	if err != nil {
		return nil, err
	}

	cmd.Type = command.Type(cmdType)
	cmd.Status = command.Status(status)
	cmd.Text = text.String
	cmd.ScriptID = scriptID.String
	cmd.Mode = mode.String
	cmd.DesktopInstanceID = target.String
	cmd.ClaimedBy = claimedBy.String
	cmd.ResultMessage = resultMsg.String
	cmd.ErrorMessage = errMsg.String
	if deviceInfo.Valid {
		cmd.DeviceInfo = json.RawMessage(deviceInfo.String)
	}
	if resultData.Valid {
		cmd.ResultData = json.RawMessage(resultData.String)
	}
	if executedAt.Valid {
		t := executedAt.Time
		cmd.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		cmd.CompletedAt = &t
	}
	return &cmd, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMAND OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════

// InsertCommand persists a new pending command.
func (s *Store) InsertCommand(ctx context.Context, cmd *command.RemoteCommand) (*command.RemoteCommand, error) {
	row := *cmd
	row.ID = uuid.New().String()
	row.Status = command.StatusPending
	row.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_commands (id, user_id, command_type, command_text, script_id, mode,
			desktop_instance_id, status, device_info, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.UserID, string(row.Type), nullString(row.Text), nullString(row.ScriptID), nullString(row.Mode),
		nullString(row.DesktopInstanceID), string(row.Status), nullJSON(row.DeviceInfo), row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}
	return &row, nil
}

// GetCommand retrieves a command by ID.
func (s *Store) GetCommand(ctx context.Context, id string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM remote_commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ListPending returns pending commands visible to one instance, oldest first.
func (s *Store) ListPending(ctx context.Context, userID, instanceID string) ([]*command.RemoteCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM remote_commands
		WHERE user_id = ? AND status = 'pending'
		  AND (desktop_instance_id IS NULL OR desktop_instance_id = ?)
		ORDER BY created_at ASC, rowid ASC
	`, userID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var commands []*command.RemoteCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// Claim moves a pending command to executing. A nil command without error
// means somebody else got there first.
func (s *Store) Claim(ctx context.Context, id, instanceID string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `
		UPDATE remote_commands
		SET status = 'executing', executed_at = ?, claimed_by = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+commandColumns,
		time.Now().UTC(), nullString(instanceID), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	return cmd, nil
}

// UpdateStatus writes the terminal status of a command still executing
// under instanceID's claim.
func (s *Store) UpdateStatus(ctx context.Context, id, instanceID string, status command.Status, out command.Outcome) error {
	completedAt := sql.NullTime{}
	if status.IsTerminal() {
		completedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE remote_commands
		SET status = ?, completed_at = ?, result_message = ?, error_message = ?, result_data = ?
		WHERE id = ? AND status = 'executing' AND COALESCE(claimed_by, '') = ?
	`, string(status), completedAt, nullString(out.Message), nullString(out.Error), nullJSON(out.Data),
		id, instanceID)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOr(ctx, id, store.ErrLeaseLost)
	}
	return nil
}

// Requeue puts a failed command back to pending for another attempt.
func (s *Store) Requeue(ctx context.Context, id string) (*command.RemoteCommand, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `
		UPDATE remote_commands
		SET status = 'pending', claimed_by = NULL, executed_at = NULL, completed_at = NULL,
			result_message = NULL, error_message = NULL, result_data = NULL
		WHERE id = ? AND status = 'failed'
		RETURNING `+commandColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missingOr(ctx, id, store.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue command: %w", err)
	}
	return cmd, nil
}

// missingOr tells a missing row apart from one in the wrong state.
func (s *Store) missingOr(ctx context.Context, id string, stateErr error) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM remote_commands WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("look up command: %w", err)
	}
	return stateErr
}

// InsertChatResponse mirrors a chat answer.
func (s *Store) InsertChatResponse(ctx context.Context, resp *command.ChatResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_responses (id, user_id, command_id, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, resp.ID, resp.UserID, resp.CommandID, resp.Message, resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat response: %w", err)
	}
	return nil
}

// ListChatResponses returns the mirrored answers of one command.
func (s *Store) ListChatResponses(ctx context.Context, userID, commandID string) ([]*command.ChatResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, command_id, message, created_at
		FROM chat_responses
		WHERE user_id = ? AND command_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID, commandID)
	if err != nil {
		return nil, fmt.Errorf("list chat responses: %w", err)
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

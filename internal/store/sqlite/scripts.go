package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/store"
)

const scriptColumns = `id, user_id, name, description, commands, is_active, usage_count, last_executed, created_at`

func scanScript(row scanner) (*script.Script, error) {
	var sc script.Script
	var desc sql.NullString
	var stepsJSON string
	var lastExecuted sql.NullTime

	if err := row.Scan(&sc.ID, &sc.UserID, &sc.Name, &desc, &stepsJSON, &sc.IsActive, &sc.UsageCount, &lastExecuted, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.Description = desc.String
	if lastExecuted.Valid {
		t := lastExecuted.Time
		sc.LastExecuted = &t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &sc.Commands); err != nil {
		return nil, fmt.Errorf("decode script steps: %w", err)
	}
	return &sc, nil
}

// GetScript loads a script with its steps.
func (s *Store) GetScript(ctx context.Context, id string) (*script.Script, error) {
	sc, err := scanScript(s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return sc, nil
}

// ListScripts returns the scripts of a user ordered by name.
func (s *Store) ListScripts(ctx context.Context, userID string) ([]*script.Script, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE user_id = ? ORDER BY name ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var out []*script.Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteScript removes one script of a user.
func (s *Store) DeleteScript(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveScript inserts or replaces a script. Usage counters are kept on update.
func (s *Store) SaveScript(ctx context.Context, sc *script.Script) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	steps := sc.Commands
	if steps == nil {
		steps = []script.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode script steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, user_id, name, description, commands, is_active, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			commands = excluded.commands,
			is_active = excluded.is_active
	`, sc.ID, sc.UserID, sc.Name, nullString(sc.Description), string(stepsJSON), sc.IsActive, sc.UsageCount, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("save script: %w", err)
	}
	return nil
}

// RecordScriptRun bumps usage_count and last_executed.
func (s *Store) RecordScriptRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scripts SET usage_count = usage_count + 1, last_executed = ? WHERE id = ?
	`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record script run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

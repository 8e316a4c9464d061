package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/markus-barta/deskrelay/internal/script"
	"github.com/markus-barta/deskrelay/internal/store"
)

const scriptColumns = `id, user_id, name, description, commands, is_active, usage_count, last_executed, created_at`

func scanScript(row pgx.Row) (*script.Script, error) {
	var sc script.Script
	var desc *string
	var steps []byte

	if err := row.Scan(&sc.ID, &sc.UserID, &sc.Name, &desc, &steps, &sc.IsActive, &sc.UsageCount, &sc.LastExecuted, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.Description = deref(desc)
	if err := json.Unmarshal(steps, &sc.Commands); err != nil {
		return nil, fmt.Errorf("decode script steps: %w", err)
	}
	return &sc, nil
}

// GetScript loads a script with its steps.
func (s *Store) GetScript(ctx context.Context, id string) (*script.Script, error) {
	sc, err := scanScript(s.pool.QueryRow(ctx, `select `+scriptColumns+` from scripts where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", mapPgErr(err))
	}
	return sc, nil
}

// ListScripts returns the scripts of a user ordered by name.
func (s *Store) ListScripts(ctx context.Context, userID string) ([]*script.Script, error) {
	rows, err := s.pool.Query(ctx, `select `+scriptColumns+` from scripts where user_id = $1 order by name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", mapPgErr(err))
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
	tag, err := s.pool.Exec(ctx, `delete from scripts where id = $1 and user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete script: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 0 {
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

	_, err = s.pool.Exec(ctx, `
		insert into scripts (id, user_id, name, description, commands, is_active, usage_count, created_at)
		values ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		on conflict (id) do update
		set name = excluded.name,
		    description = excluded.description,
		    commands = excluded.commands,
		    is_active = excluded.is_active
	`, sc.ID, sc.UserID, sc.Name, nullIfEmpty(sc.Description), string(stepsJSON), sc.IsActive, sc.UsageCount, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("save script: %w", mapPgErr(err))
	}
	return nil
}

// RecordScriptRun bumps usage_count and last_executed.
func (s *Store) RecordScriptRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		update scripts set usage_count = usage_count + 1, last_executed = $2 where id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("record script run: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

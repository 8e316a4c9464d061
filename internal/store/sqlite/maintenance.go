package sqlite

import (
	"context"
	"fmt"
	"time"
)

// FailOrphaned fails executing commands whose claim is older than
// claimedBefore and whose claiming instance is gone (not seen since
// seenBefore, deactivated, or unknown). Rows are never requeued.
func (s *Store) FailOrphaned(ctx context.Context, claimedBefore, seenBefore time.Time, reason string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE remote_commands
		SET status = 'failed', completed_at = ?, error_message = ?
		WHERE status = 'executing'
		  AND executed_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM desktop_instances di
			WHERE di.instance_id = remote_commands.claimed_by
			  AND di.is_active = 1
			  AND di.last_seen_at >= ?
		  )
	`, now, reason, claimedBefore.UTC(), seenBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail orphaned commands: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("failed orphaned commands")
	}
	return n, nil
}

// PurgeTerminal deletes completed and failed commands (and their chat
// responses) created before cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_responses WHERE command_id IN (
			SELECT id FROM remote_commands
			WHERE status IN ('completed', 'failed') AND created_at < ?
		)
	`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("purge chat responses: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM remote_commands WHERE status IN ('completed', 'failed') AND created_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge commands: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("purged old commands")
	}
	return n, nil
}

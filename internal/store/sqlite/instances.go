package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/markus-barta/deskrelay/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════
// DESKTOP INSTANCES
// ═══════════════════════════════════════════════════════════════════════════

// UpsertInstance registers an instance or refreshes its metadata.
func (s *Store) UpsertInstance(ctx context.Context, inst *store.Instance) (*store.Instance, error) {
	now := time.Now().UTC()
	row := *inst
	row.LastSeenAt = now
	row.IsActive = true

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO desktop_instances (instance_id, user_id, device_name, platform, arch, version,
			last_seen_at, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			user_id = excluded.user_id,
			device_name = excluded.device_name,
			platform = excluded.platform,
			arch = excluded.arch,
			version = excluded.version,
			last_seen_at = excluded.last_seen_at,
			is_active = 1
		RETURNING created_at
	`, row.InstanceID, row.UserID, nullString(row.DeviceName), nullString(row.Platform),
		nullString(row.Arch), nullString(row.Version), now, now).Scan(&row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	return &row, nil
}

// TouchInstance records a heartbeat. The timestamp comes from this process,
// the same clock Claim stamps executed_at with.
func (s *Store) TouchInstance(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE desktop_instances SET last_seen_at = ?, is_active = 1 WHERE instance_id = ?
	`, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeactivateInstance marks an instance inactive.
func (s *Store) DeactivateInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE desktop_instances SET is_active = 0 WHERE instance_id = ?
	`, instanceID)
	if err != nil {
		return fmt.Errorf("deactivate instance: %w", err)
	}
	return nil
}

// ListInstances returns the instances of a user, most recently seen first.
func (s *Store) ListInstances(ctx context.Context, userID string) ([]*store.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, user_id, device_name, platform, arch, version, last_seen_at, is_active, created_at
		FROM desktop_instances
		WHERE user_id = ?
		ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*store.Instance
	for rows.Next() {
		var inst store.Instance
		var name, platform, arch, version sql.NullString
		if err := rows.Scan(&inst.InstanceID, &inst.UserID, &name, &platform, &arch, &version,
			&inst.LastSeenAt, &inst.IsActive, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.DeviceName = name.String
		inst.Platform = platform.String
		inst.Arch = arch.String
		inst.Version = version.String
		out = append(out, &inst)
	}
	return out, rows.Err()
}

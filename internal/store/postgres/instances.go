package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/deskrelay/internal/store"
)

// UpsertInstance registers an instance or refreshes its metadata.
func (s *Store) UpsertInstance(ctx context.Context, inst *store.Instance) (*store.Instance, error) {
	row := *inst
	row.IsActive = true
	err := s.pool.QueryRow(ctx, `
		insert into desktop_instances (instance_id, user_id, device_name, platform, arch, version, last_seen_at, is_active)
		values ($1, $2, $3, $4, $5, $6, now(), true)
		on conflict (instance_id) do update
		set user_id = excluded.user_id,
		    device_name = excluded.device_name,
		    platform = excluded.platform,
		    arch = excluded.arch,
		    version = excluded.version,
		    last_seen_at = now(),
		    is_active = true
		returning last_seen_at, created_at
	`, row.InstanceID, row.UserID, nullIfEmpty(row.DeviceName), nullIfEmpty(row.Platform),
		nullIfEmpty(row.Arch), nullIfEmpty(row.Version)).Scan(&row.LastSeenAt, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", mapPgErr(err))
	}
	return &row, nil
}

// TouchInstance records a heartbeat on the database clock, the same clock
// that stamps executed_at.
func (s *Store) TouchInstance(ctx context.Context, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `
		update desktop_instances set last_seen_at = now(), is_active = true where instance_id = $1
	`, instanceID)
	if err != nil {
		return fmt.Errorf("touch instance: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeactivateInstance marks an instance inactive.
func (s *Store) DeactivateInstance(ctx context.Context, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `
		update desktop_instances set is_active = false where instance_id = $1
	`, instanceID); err != nil {
		return fmt.Errorf("deactivate instance: %w", mapPgErr(err))
	}
	return nil
}

// ListInstances returns the instances of a user, most recently seen first.
func (s *Store) ListInstances(ctx context.Context, userID string) ([]*store.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		select instance_id, user_id, coalesce(device_name, ''), coalesce(platform, ''), coalesce(arch, ''),
		       coalesce(version, ''), last_seen_at, is_active, created_at
		from desktop_instances
		where user_id = $1
		order by last_seen_at desc
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", mapPgErr(err))
	}
	defer rows.Close()

	var out []*store.Instance
	for rows.Next() {
		var inst store.Instance
		if err := rows.Scan(&inst.InstanceID, &inst.UserID, &inst.DeviceName, &inst.Platform, &inst.Arch,
			&inst.Version, &inst.LastSeenAt, &inst.IsActive, &inst.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// FailOrphaned fails executing commands whose claim holder went silent.
// The cutoffs are turned into ages and compared against the database
// clock, so skew between the reaper host and the database does not matter.
func (s *Store) FailOrphaned(ctx context.Context, claimedBefore, seenBefore time.Time, reason string) (int64, error) {
	claimAge := time.Since(claimedBefore).Seconds()
	seenAge := time.Since(seenBefore).Seconds()
	tag, err := s.pool.Exec(ctx, `
		update remote_commands rc
		set status = 'failed', completed_at = now(), error_message = $3
		where rc.status = 'executing'
		  and rc.executed_at < now() - make_interval(secs => $1)
		  and not exists (
			select 1 from desktop_instances di
			where di.instance_id = rc.claimed_by
			  and di.is_active
			  and di.last_seen_at >= now() - make_interval(secs => $2)
		  )
	`, claimAge, seenAge, reason)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned commands: %w", mapPgErr(err))
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("count", n).Msg("failed orphaned commands")
	}
	return n, nil
}

// PurgeTerminal deletes completed and failed commands created before cutoff.
// Chat responses go with them through the foreign key cascade.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		delete from remote_commands where status in ('completed', 'failed') and created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge commands: %w", mapPgErr(err))
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("purged old commands")
	}
	return n, nil
}

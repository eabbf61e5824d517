package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// UpsertDevice records a device sighting. Any sighting marks the device
// online and last_seen_at only moves forward. cameOnline is true when
// the device was previously unknown or not online, which is the trigger
// for a remote.update broadcast; deviceType lets the caller restrict
// that broadcast to remote devices.
//
// The decision is made by the statements themselves rather than a prior
// read: the guarded UPDATE fires for at most one of two concurrent
// sightings, and (xmax = 0) singles out the one inserter, so a device
// coming online yields exactly one cameOnline across racing consumers.
func (s *Store) UpsertDevice(ctx context.Context, q Querier, deviceID string, seenAt time.Time) (cameOnline bool, deviceType string, err error) {
	res, err := q.ExecContext(ctx,
		`UPDATE devices SET status = $2 WHERE id = $1 AND status <> $2`,
		deviceID, models.DeviceStatusOnline)
	if err != nil {
		return false, "", fmt.Errorf("failed to mark device online: %w", err)
	}
	revived, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("failed to mark device online: %w", err)
	}

	var inserted bool
	err = q.QueryRowContext(ctx, `
		INSERT INTO devices (id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (id) DO UPDATE
		SET last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING type, (xmax = 0)`,
		deviceID, seenAt).Scan(&deviceType, &inserted)
	if err != nil {
		return false, "", fmt.Errorf("failed to upsert device: %w", err)
	}
	return inserted || revived > 0, deviceType, nil
}

// GetDevice fetches one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var (
		d        models.Device
		metadata []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, name, status, platform, metadata, first_seen_at, last_seen_at
		FROM devices WHERE id = $1`, id).
		Scan(&d.ID, &d.Type, &d.Name, &d.Status, &d.Platform, &metadata, &d.FirstSeenAt, &d.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device metadata: %w", err)
		}
	}
	return &d, nil
}

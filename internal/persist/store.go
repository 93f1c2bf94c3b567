// Package persist snapshots room state to postgres and rebuilds it after a
// restart. Snapshots are append-only versioned rows; recovery trusts only
// rows whose checksum verifies.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

type Store struct {
	db    *gorm.DB
	clock clockwork.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex // one snapshot op per room at a time
}

func NewStore(db *gorm.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		db:    db,
		clock: clock,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&RoomRecord{},
		&SnapshotRecord{},
		&RoomMessageRecord{},
		&RoomInviteRecord{},
		&HintUsageRecord{},
	)
}

func (s *Store) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	return l
}

// SaveSnapshot persists one room export as a new snapshot version and
// refreshes the room row. The insert happens before any pruning, so a failed
// write leaves the previous snapshot untouched.
func (s *Store) SaveSnapshot(ctx context.Context, exp room.Export) (int, error) {
	l := s.roomLock(exp.RoomID)
	l.Lock()
	defer l.Unlock()

	payload, checksum, err := EncodeSnapshot(exp)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var version int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev SnapshotRecord
		switch err := tx.Where("room_id = ?", exp.RoomID).
			Order("version DESC").First(&prev).Error; {
		case err == nil:
			version = prev.Version + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			version = 1
		default:
			return err
		}

		rec := SnapshotRecord{
			RoomID:    exp.RoomID,
			Version:   version,
			Checksum:  checksum,
			Payload:   payload,
			LastSaved: now,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		roomRow := RoomRecord{
			RoomID:    exp.RoomID,
			Status:    string(exp.Status),
			HostID:    exp.HostID,
			StartedAt: exp.StartedAt,
			UpdatedAt: now,
		}
		if err := tx.Save(&roomRow).Error; err != nil {
			return fmt.Errorf("update room row: %w", err)
		}

		// Prune older versions, keeping a small tail for forensics.
		return tx.Where("room_id = ? AND version < ?", exp.RoomID, version-2).
			Delete(&SnapshotRecord{}).Error
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// LatestSnapshot returns the highest-version snapshot row for a room, or nil
// when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, roomID string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
		Order("version DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecoverable returns rooms whose durable status suggests an interrupted
// session: WAITING or ACTIVE.
func (s *Store) ListRecoverable(ctx context.Context) ([]RoomRecord, error) {
	var rows []RoomRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(room.StatusWaiting), string(room.StatusActive)}).
		Find(&rows).Error
	return rows, err
}

func (s *Store) SetRoomStatus(ctx context.Context, roomID string, status room.SessionStatus) error {
	return s.db.WithContext(ctx).Model(&RoomRecord{}).
		Where("room_id = ?", roomID).
		Update("status", string(status)).Error
}

func (s *Store) MarkExpired(ctx context.Context, roomID string) error {
	return s.SetRoomStatus(ctx, roomID, room.StatusExpired)
}

// PurgeExpired deletes rooms that sat in EXPIRED beyond the grace period,
// dependents first and the room row last. Returns how many rooms went away.
func (s *Store) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-grace)

	var rows []RoomRecord
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(room.StatusExpired), cutoff).
		Find(&rows).Error; err != nil {
		return 0, err
	}

	purged := 0
	for _, row := range rows {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, model := range []any{
				&RoomMessageRecord{},
				&RoomInviteRecord{},
				&HintUsageRecord{},
				&SnapshotRecord{},
			} {
				if err := tx.Where("room_id = ?", row.RoomID).Delete(model).Error; err != nil {
					return err
				}
			}
			return tx.Delete(&RoomRecord{RoomID: row.RoomID}).Error
		})
		if err != nil {
			return purged, fmt.Errorf("purge room %s: %w", row.RoomID, err)
		}
		purged++
	}
	return purged, nil
}

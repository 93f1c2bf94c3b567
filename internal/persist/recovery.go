package persist

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

const (
	DefaultRecoveryWindow = 24 * time.Hour
	DefaultExpiredGrace   = 24 * time.Hour
)

// RecoveryStore is the slice of Store that recovery needs; tests substitute
// a fake instead of a live database.
type RecoveryStore interface {
	ListRecoverable(ctx context.Context) ([]RoomRecord, error)
	LatestSnapshot(ctx context.Context, roomID string) (*SnapshotRecord, error)
	SetRoomStatus(ctx context.Context, roomID string, status room.SessionStatus) error
	MarkExpired(ctx context.Context, roomID string) error
}

// RecoveredRoom is a room state ready to be re-instantiated in memory.
type RecoveredRoom struct {
	Code   string
	Export room.Export
}

// AuditRecord captures what recovery decided for one room.
type AuditRecord struct {
	RoomID       string
	Before       room.SessionStatus
	After        room.SessionStatus
	Participants int
	Recovered    bool
	Reason       string
}

// Recover inspects every durable room that looks mid-session and either
// rebuilds it from its latest valid snapshot or expires it. Correctness over
// availability: a room whose snapshot is missing or fails its checksum is
// never resumed with guessed state.
func Recover(ctx context.Context, store RecoveryStore, clock clockwork.Clock, window time.Duration, logger *zap.Logger) ([]RecoveredRoom, []AuditRecord, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rows, err := store.ListRecoverable(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := clock.Now()
	var recovered []RecoveredRoom
	var audit []AuditRecord

	for _, row := range rows {
		before := room.SessionStatus(row.Status)

		expire := func(reason string) {
			if err := store.MarkExpired(ctx, row.RoomID); err != nil {
				logger.Error("failed to expire room during recovery",
					zap.String("room", row.RoomID), zap.Error(err))
			}
			audit = append(audit, AuditRecord{
				RoomID: row.RoomID,
				Before: before,
				After:  room.StatusExpired,
				Reason: reason,
			})
			logger.Warn("room expired during recovery",
				zap.String("room", row.RoomID),
				zap.String("before", string(before)),
				zap.String("reason", reason))
		}

		if now.Sub(row.UpdatedAt) > window {
			expire("stale beyond recovery window")
			continue
		}

		rec, err := store.LatestSnapshot(ctx, row.RoomID)
		if err != nil {
			return recovered, audit, err
		}
		if rec == nil {
			expire("no snapshot")
			continue
		}

		exp, err := DecodeSnapshot(rec.Payload, rec.Checksum)
		if err != nil {
			expire("corrupt snapshot: " + err.Error())
			continue
		}

		// Sockets are gone: presence must be re-established, not assumed.
		for i := range exp.Participants {
			exp.Participants[i].IsOnline = false
		}
		// A session can't be in progress with zero connected clients.
		// startedAt is preserved so timing stays honest after rejoin.
		if exp.Status == room.StatusActive {
			exp.Status = room.StatusWaiting
		}
		if err := store.SetRoomStatus(ctx, row.RoomID, exp.Status); err != nil {
			return recovered, audit, err
		}

		recovered = append(recovered, RecoveredRoom{Code: row.RoomID, Export: exp})
		audit = append(audit, AuditRecord{
			RoomID:       row.RoomID,
			Before:       before,
			After:        exp.Status,
			Participants: len(exp.Participants),
			Recovered:    true,
		})
		logger.Info("room recovered",
			zap.String("room", row.RoomID),
			zap.String("before", string(before)),
			zap.String("after", string(exp.Status)),
			zap.Int("participants", len(exp.Participants)),
			zap.Int("snapshot_version", rec.Version))
	}

	return recovered, audit, nil
}

package persist

import (
	"time"
)

// RoomRecord is the durable room row. Status mirrors room.SessionStatus.
type RoomRecord struct {
	RoomID    string `gorm:"primaryKey"`
	Status    string `gorm:"index"`
	HostID    string
	StartedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (RoomRecord) TableName() string { return "rooms" }

// SnapshotRecord is one immutable snapshot version. Saves insert a new row
// and prune old ones; nothing is ever updated in place, so a failed write
// can't damage the previous snapshot.
type SnapshotRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    string `gorm:"index:idx_room_version,unique"`
	Version   int    `gorm:"index:idx_room_version,unique"`
	Checksum  string
	Payload   []byte `gorm:"type:jsonb"`
	LastSaved time.Time
}

func (SnapshotRecord) TableName() string { return "room_snapshots" }

// Dependent rows purged together with an expired room. The purge deletes
// these first and the room row last.

type RoomMessageRecord struct {
	ID     uint   `gorm:"primaryKey"`
	RoomID string `gorm:"index"`
	UserID string
	Body   string
	SentAt time.Time
}

func (RoomMessageRecord) TableName() string { return "room_messages" }

type RoomInviteRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    string `gorm:"index"`
	InviteeID string
	CreatedAt time.Time
}

func (RoomInviteRecord) TableName() string { return "room_invites" }

type HintUsageRecord struct {
	ID     uint   `gorm:"primaryKey"`
	RoomID string `gorm:"index"`
	UserID string
	CellID string
	UsedAt time.Time
}

func (HintUsageRecord) TableName() string { return "hint_usages" }

package persist

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

type fakeRecoveryStore struct {
	rooms    []RoomRecord
	snaps    map[string]*SnapshotRecord
	statuses map[string]room.SessionStatus
}

func newFakeRecoveryStore() *fakeRecoveryStore {
	return &fakeRecoveryStore{
		snaps:    make(map[string]*SnapshotRecord),
		statuses: make(map[string]room.SessionStatus),
	}
}

func (f *fakeRecoveryStore) ListRecoverable(ctx context.Context) ([]RoomRecord, error) {
	return f.rooms, nil
}

func (f *fakeRecoveryStore) LatestSnapshot(ctx context.Context, roomID string) (*SnapshotRecord, error) {
	return f.snaps[roomID], nil
}

func (f *fakeRecoveryStore) SetRoomStatus(ctx context.Context, roomID string, status room.SessionStatus) error {
	f.statuses[roomID] = status
	return nil
}

func (f *fakeRecoveryStore) MarkExpired(ctx context.Context, roomID string) error {
	return f.SetRoomStatus(ctx, roomID, room.StatusExpired)
}

func (f *fakeRecoveryStore) addRoom(t *testing.T, exp room.Export, updatedAt time.Time) {
	t.Helper()
	f.rooms = append(f.rooms, RoomRecord{
		RoomID:    exp.RoomID,
		Status:    string(exp.Status),
		HostID:    exp.HostID,
		StartedAt: exp.StartedAt,
		UpdatedAt: updatedAt,
	})
	payload, checksum, err := EncodeSnapshot(exp)
	require.NoError(t, err)
	f.snaps[exp.RoomID] = &SnapshotRecord{
		RoomID:   exp.RoomID,
		Version:  exp.Version,
		Checksum: checksum,
		Payload:  payload,
	}
}

var recoveryNow = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

func TestRecover_ActiveRoom_DemotedToWaitingOffline(t *testing.T) {
	fs := newFakeRecoveryStore()
	started := recoveryNow.Add(-2 * time.Hour)
	fs.addRoom(t, room.Export{
		RoomID:    "CW1",
		Status:    room.StatusActive,
		HostID:    "u1",
		StartedAt: started,
		Version:   9,
		GridState: map[string]string{"A1": "C"},
		Participants: []room.Participant{
			{UserID: "u1", Role: room.RoleHost, IsOnline: true},
			{UserID: "u2", Role: room.RolePlayer, IsOnline: true},
		},
	}, recoveryNow.Add(-time.Hour))

	fc := clockwork.NewFakeClockAt(recoveryNow)
	recovered, audit, err := Recover(context.Background(), fs, fc, DefaultRecoveryWindow, nil)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	exp := recovered[0].Export
	require.Equal(t, room.StatusWaiting, exp.Status) // can't be mid-session with nobody connected
	require.True(t, exp.StartedAt.Equal(started))    // original start preserved
	for _, p := range exp.Participants {
		require.False(t, p.IsOnline, "participant %s must come back offline", p.UserID)
	}
	require.Equal(t, room.StatusWaiting, fs.statuses["CW1"])

	require.Len(t, audit, 1)
	require.Equal(t, room.StatusActive, audit[0].Before)
	require.Equal(t, room.StatusWaiting, audit[0].After)
	require.Equal(t, 2, audit[0].Participants)
	require.True(t, audit[0].Recovered)
}

func TestRecover_WaitingRoom_StaysWaiting(t *testing.T) {
	fs := newFakeRecoveryStore()
	fs.addRoom(t, room.Export{
		RoomID: "CW2",
		Status: room.StatusWaiting,
	}, recoveryNow.Add(-time.Minute))

	fc := clockwork.NewFakeClockAt(recoveryNow)
	recovered, _, err := Recover(context.Background(), fs, fc, DefaultRecoveryWindow, nil)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, room.StatusWaiting, recovered[0].Export.Status)
}

func TestRecover_StaleRoom_ExpiredDirectly(t *testing.T) {
	fs := newFakeRecoveryStore()
	fs.addRoom(t, room.Export{
		RoomID: "OLD1",
		Status: room.StatusActive,
	}, recoveryNow.Add(-25*time.Hour)) // beyond the recovery window

	fc := clockwork.NewFakeClockAt(recoveryNow)
	recovered, audit, err := Recover(context.Background(), fs, fc, DefaultRecoveryWindow, nil)
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Equal(t, room.StatusExpired, fs.statuses["OLD1"])
	require.Len(t, audit, 1)
	require.False(t, audit[0].Recovered)
}

func TestRecover_MissingSnapshot_Expired(t *testing.T) {
	fs := newFakeRecoveryStore()
	fs.rooms = append(fs.rooms, RoomRecord{
		RoomID:    "CW3",
		Status:    string(room.StatusActive),
		UpdatedAt: recoveryNow.Add(-time.Hour),
	})
	// no snapshot row at all

	fc := clockwork.NewFakeClockAt(recoveryNow)
	recovered, _, err := Recover(context.Background(), fs, fc, DefaultRecoveryWindow, nil)
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Equal(t, room.StatusExpired, fs.statuses["CW3"])
}

func TestRecover_CorruptSnapshot_ExpiredNeverResumed(t *testing.T) {
	fs := newFakeRecoveryStore()
	fs.addRoom(t, room.Export{
		RoomID: "CW4",
		Status: room.StatusActive,
	}, recoveryNow.Add(-time.Hour))
	fs.snaps["CW4"].Payload[0] ^= 0xFF // corrupt on disk

	fc := clockwork.NewFakeClockAt(recoveryNow)
	recovered, audit, err := Recover(context.Background(), fs, fc, DefaultRecoveryWindow, nil)
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Equal(t, room.StatusExpired, fs.statuses["CW4"])
	require.Contains(t, audit[0].Reason, "corrupt snapshot")
}

package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

func sampleExport() room.Export {
	return room.Export{
		RoomID:    "CW1",
		Status:    room.StatusActive,
		HostID:    "u1",
		StartedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Version:   12,
		GridState: map[string]string{"A1": "C", "B2": "R"},
		Participants: []room.Participant{
			{UserID: "u1", UserName: "Ann", Role: room.RoleHost, IsOnline: true},
			{UserID: "u2", UserName: "Bob", Role: room.RolePlayer, IsOnline: true},
		},
		ChatHistory: []room.ChatMessage{{UserID: "u2", Content: "hey"}},
	}
}

func TestSnapshotCodec_RoundTrip(t *testing.T) {
	exp := sampleExport()

	payload, checksum, err := EncodeSnapshot(exp)
	require.NoError(t, err)
	require.NotEmpty(t, checksum)

	got, err := DecodeSnapshot(payload, checksum)
	require.NoError(t, err)
	require.Equal(t, exp.RoomID, got.RoomID)
	require.Equal(t, exp.Version, got.Version)
	require.Equal(t, exp.GridState, got.GridState)
	require.Len(t, got.Participants, 2)
	require.True(t, got.StartedAt.Equal(exp.StartedAt))
}

func TestSnapshotCodec_ChecksumMismatch(t *testing.T) {
	payload, checksum, err := EncodeSnapshot(sampleExport())
	require.NoError(t, err)

	// Flip one byte: corruption must be caught before any replay.
	payload[10] ^= 0xFF
	_, err = DecodeSnapshot(payload, checksum)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSnapshotCodec_WrongChecksum(t *testing.T) {
	payload, _, err := EncodeSnapshot(sampleExport())
	require.NoError(t, err)

	_, err = DecodeSnapshot(payload, "deadbeef")
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

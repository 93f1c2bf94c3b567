package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

type fakeSaver struct {
	mu      sync.Mutex
	saved   []room.Export
	version int
	failN   int // fail the first N saves
}

func (f *fakeSaver) SaveSnapshot(ctx context.Context, exp room.Export) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return 0, errors.New("disk on fire")
	}
	f.saved = append(f.saved, exp)
	f.version++
	return f.version, nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func setupRoomWithClient(t *testing.T, ctx context.Context, h *hub.Hub) (*room.Room, chan room.Event) {
	t.Helper()
	reply := make(chan *room.Room, 1)
	h.Inbox() <- hub.EnsureRoom{Code: "CW1", Reply: reply}
	rm := <-reply
	require.NotNil(t, rm)

	out := make(chan room.Event, 32)
	rm.Inbox() <- room.Join{ClientID: "c1", UserID: "u1", UserName: "Ann", Role: room.RolePlayer, Outbox: out}
	return rm, out
}

func waitForEvent(t *testing.T, ch <-chan room.Event, typ room.EventType) room.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "outbox closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestSnapshotter_PeriodicSweep_SavesAndNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clockwork.NewFakeClock()
	h := hub.NewHub(ctx, nil)
	rm, out := setupRoomWithClient(t, ctx, h)
	rm.Inbox() <- room.SubmitEdits{Edits: []room.CellEdit{
		{CellID: "A1", Value: "C", UserID: "u1", ClientID: "c1"},
	}}

	saver := &fakeSaver{}
	snap := NewSnapshotter(saver, h, fc, DefaultSnapshotInterval, nil)
	go func() { _ = snap.Run(ctx) }()

	fc.BlockUntil(1) // ticker armed
	fc.Advance(DefaultSnapshotInterval)

	ev := waitForEvent(t, out, room.EvtRoomAutosaved)
	require.Equal(t, 1, ev.Version)
	require.Equal(t, 1, saver.count())

	saver.mu.Lock()
	exp := saver.saved[0]
	saver.mu.Unlock()
	require.Equal(t, "CW1", exp.RoomID)
	require.Equal(t, "C", exp.GridState["A1"])
}

func TestSnapshotter_Trigger_OutOfCadenceSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clockwork.NewFakeClock()
	h := hub.NewHub(ctx, nil)
	_, out := setupRoomWithClient(t, ctx, h)

	saver := &fakeSaver{}
	snap := NewSnapshotter(saver, h, fc, DefaultSnapshotInterval, nil)
	go func() { _ = snap.Run(ctx) }()

	snap.Trigger("CW1") // e.g. host change

	waitForEvent(t, out, room.EvtRoomAutosaved)
	require.Equal(t, 1, saver.count())
}

func TestSnapshotter_WriteFailure_RetriesNextCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := clockwork.NewFakeClock()
	h := hub.NewHub(ctx, nil)
	_, out := setupRoomWithClient(t, ctx, h)

	saver := &fakeSaver{failN: 1}
	snap := NewSnapshotter(saver, h, fc, DefaultSnapshotInterval, nil)
	go func() { _ = snap.Run(ctx) }()

	fc.BlockUntil(1)
	fc.Advance(DefaultSnapshotInterval) // this save fails, room keeps running

	require.Never(t, func() bool { return saver.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	fc.BlockUntil(1)
	fc.Advance(DefaultSnapshotInterval) // retry succeeds

	waitForEvent(t, out, room.EvtRoomAutosaved)
	require.Equal(t, 1, saver.count())
}

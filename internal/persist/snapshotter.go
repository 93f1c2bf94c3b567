package persist

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

const DefaultSnapshotInterval = 30 * time.Second

// SnapshotSaver is what the snapshotter needs from the store.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, exp room.Export) (int, error)
}

// Snapshotter periodically exports every live room and persists it. Rooms
// also get snapshotted out of cadence on significant events (host change,
// completion) via Trigger.
type Snapshotter struct {
	saver    SnapshotSaver
	hub      *hub.Hub
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger
	trigger  chan string
}

func NewSnapshotter(saver SnapshotSaver, h *hub.Hub, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *Snapshotter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		saver:    saver,
		hub:      h,
		clock:    clock,
		interval: interval,
		logger:   logger,
		trigger:  make(chan string, 16),
	}
}

// Trigger requests an out-of-cadence snapshot for one room. Non-blocking; a
// full trigger queue is fine because the periodic sweep catches up anyway.
func (s *Snapshotter) Trigger(code string) {
	select {
	case s.trigger <- code:
	default:
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.sweep(ctx)
		case code := <-s.trigger:
			s.snapshotByCode(ctx, code)
		}
	}
}

func (s *Snapshotter) sweep(ctx context.Context) {
	reply := make(chan map[string]*room.Room, 1)
	select {
	case s.hub.Inbox() <- hub.ListRooms{Reply: reply}:
	case <-ctx.Done():
		return
	}
	var rooms map[string]*room.Room
	select {
	case rooms = <-reply:
	case <-ctx.Done():
		return
	}

	for code, rm := range rooms {
		s.snapshotRoom(ctx, code, rm)
	}
}

func (s *Snapshotter) snapshotByCode(ctx context.Context, code string) {
	reply := make(chan *room.Room, 1)
	select {
	case s.hub.Inbox() <- hub.GetRoom{Code: code, Reply: reply}:
	case <-ctx.Done():
		return
	}
	select {
	case rm := <-reply:
		if rm != nil {
			s.snapshotRoom(ctx, code, rm)
		}
	case <-ctx.Done():
	}
}

func (s *Snapshotter) snapshotRoom(ctx context.Context, code string, rm *room.Room) {
	reply := make(chan room.Export, 1)
	select {
	case rm.Inbox() <- room.ExportState{Reply: reply}:
	case <-ctx.Done():
		return
	}

	var exp room.Export
	select {
	case exp = <-reply:
	case <-ctx.Done():
		return
	}

	version, err := s.saver.SaveSnapshot(ctx, exp)
	if err != nil {
		// Previous snapshot remains valid; the room keeps running in memory
		// and the next cycle retries.
		s.logger.Error("snapshot write failed",
			zap.String("room", code), zap.Error(err))
		return
	}

	rm.Inbox() <- room.Autosaved{Version: version}
	s.logger.Debug("room snapshotted",
		zap.String("room", code), zap.Int("version", version))
}

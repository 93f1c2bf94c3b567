package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/DoyleJ11/crossword-sync-backend/internal/config"
	"github.com/DoyleJ11/crossword-sync-backend/internal/httpapi"
	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/persist"
	"github.com/DoyleJ11/crossword-sync-backend/internal/progress"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	store := persist.NewStore(db, clock)
	if err := store.Migrate(); err != nil {
		return err
	}

	tracker := progress.NewTracker(clock)

	var snap *persist.Snapshotter
	configFor := func(code string) room.Config {
		return room.Config{
			Code:  code,
			Clock: clock,
			OnConfirmed: func(ce room.ConfirmedEdit) {
				tracker.CellFilled(ce.Edit.UserID, code, code, ce.Edit.CellID,
					ce.Previous, ce.Edit.Value, ce.Total)
			},
			OnSignificant: func(reason string) {
				if snap != nil {
					snap.Trigger(code)
				}
			},
		}
	}

	h := hub.NewHub(ctx, configFor)
	snap = persist.NewSnapshotter(store, h, clock, cfg.SnapshotInterval, logger)

	// Completions are significant events: snapshot the room out of cadence.
	unsubscribe := tracker.Subscribe(func(ev progress.Event) {
		if ev.Type == progress.EvtCompletion {
			snap.Trigger(ev.Record.RoomID)
		}
	})
	defer unsubscribe()

	// Rebuild rooms that were mid-session before the restart.
	recovered, _, err := persist.Recover(ctx, store, clock, cfg.RecoveryWindow, logger)
	if err != nil {
		return err
	}
	for _, rr := range recovered {
		rm := room.NewRoomFromExport(ctx, configFor(rr.Code), rr.Export)
		h.Inbox() <- hub.AdoptRoom{Code: rr.Code, Room: rm}
	}
	logger.Info("recovery complete", zap.Int("rooms", len(recovered)))

	if purged, err := store.PurgeExpired(ctx, cfg.ExpiredGrace); err != nil {
		logger.Error("expired-room purge failed", zap.Error(err))
	} else if purged > 0 {
		logger.Info("purged expired rooms", zap.Int("count", purged))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.SetupRoutes(h, tracker, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return snap.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.Inbox() <- hub.ShutdownHub{}
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}

package hub

import (
	"context"

	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
)

type HubMsg interface{ isHubMsg() }

type CreateRoom struct {
	Code       string
	TotalCells int
	Reply      chan *room.Room
}

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

type EnsureRoom struct {
	Code       string
	TotalCells int
	Reply      chan *room.Room
}

// AdoptRoom registers an already-running room, e.g. one rebuilt from a
// recovered snapshot at startup.
type AdoptRoom struct {
	Code string
	Room *room.Room
}

type RemoveRoom struct {
	Code string
}

// ListRooms replies with a copy of the registry, for the snapshotter sweep.
type ListRooms struct {
	Reply chan map[string]*room.Room
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (AdoptRoom) isHubMsg()   {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

// ConfigFor builds the room config for a given code, letting the caller hook
// per-room callbacks (progress tracking, snapshot triggers) into new rooms.
type ConfigFor func(code string) room.Config

type Hub struct {
	inbox     chan HubMsg
	rooms     map[string]*room.Room
	configFor ConfigFor
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewHub(parent context.Context, configFor ConfigFor) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		rooms:     make(map[string]*room.Room),
		configFor: configFor,
		ctx:       ctx,
		cancel:    cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) newRoom(code string, totalCells int) *room.Room {
	cfg := room.Config{Code: code}
	if h.configFor != nil {
		cfg = h.configFor(code)
		cfg.Code = code
	}
	if totalCells > 0 {
		cfg.TotalCells = totalCells
	}
	return room.NewRoom(h.ctx, cfg)
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if rm := h.rooms[msg.Code]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := h.newRoom(msg.Code, msg.TotalCells)
				h.rooms[msg.Code] = rm
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- h.rooms[msg.Code] // May be nil

			case EnsureRoom:
				if rm := h.rooms[msg.Code]; rm != nil {
					msg.Reply <- rm
					break
				}
				rm := h.newRoom(msg.Code, msg.TotalCells)
				h.rooms[msg.Code] = rm
				msg.Reply <- rm

			case AdoptRoom:
				h.rooms[msg.Code] = msg.Room

			case RemoveRoom:
				delete(h.rooms, msg.Code)

			case ListRooms:
				snapshot := make(map[string]*room.Room, len(h.rooms))
				for code, rm := range h.rooms {
					snapshot[code] = rm
				}
				msg.Reply <- snapshot

			case ShutdownHub:
				for _, rm := range h.rooms {
					rm.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
			}
		}
	}
}

package room

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultChatHistoryLimit = 1000
	DefaultConflictWindow   = 2 * time.Second
)

type Msg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	UserID   string
	UserName string
	Role     Role
	Outbox   chan Event // where this client wants to receive events
}

type Leave struct {
	ClientID string
	UserID   string
}

// SubmitEdits carries one micro-batch of cell updates from a single client.
type SubmitEdits struct {
	Edits []CellEdit
}

type Chat struct {
	Message ChatMessage
}

type MoveCursor struct {
	Pos CursorPosition
}

type GetState struct {
	Reply chan View
}

type ExportState struct {
	Reply chan Export
}

// Autosaved tells the room a snapshot landed, so clients hear about it.
type Autosaved struct {
	Version int
}

type Shutdown struct{}

func (Join) isRoomMsg()        {}
func (Autosaved) isRoomMsg()   {}
func (Leave) isRoomMsg()       {}
func (SubmitEdits) isRoomMsg() {}
func (Chat) isRoomMsg()        {}
func (MoveCursor) isRoomMsg()  {}
func (GetState) isRoomMsg()    {}
func (ExportState) isRoomMsg() {}
func (Shutdown) isRoomMsg()    {}

// View reflects internal state without data races. Test-only.
type View struct {
	Version      int
	NumClients   int
	Status       SessionStatus
	HostID       string
	TotalCells   int
	GridState    map[string]string
	Participants []Participant
	ChatLen      int
}

// ConfirmedEdit is one applied edit together with the value it replaced and
// the room's configured cell count.
type ConfirmedEdit struct {
	Edit     CellEdit
	Previous string
	Total    int
}

type Config struct {
	Code             string
	Clock            clockwork.Clock
	ChatHistoryLimit int
	ConflictWindow   time.Duration
	// TotalCells is the puzzle's fillable cell count, 0 when unknown.
	TotalCells int

	// OnConfirmed observes every confirmed edit (progress tracking). Runs on
	// the room goroutine; must not block.
	OnConfirmed func(ConfirmedEdit)
	// OnSignificant fires on events worth an immediate snapshot (host change).
	OnSignificant func(reason string)
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = DefaultChatHistoryLimit
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = DefaultConflictWindow
	}
	return c
}

type lastApply struct {
	userID   string
	clientID string
	at       time.Time
}

// Room is the single authority for one room's grid, roster and chat. All
// mutation flows through its inbox; no two edits for the same room are ever
// resolved concurrently.
type Room struct {
	cfg     Config
	inbox   chan Msg
	clients map[string]chan Event // keyed by clientID

	grid         map[string]string
	lastEdit     map[string]lastApply
	participants map[string]*Participant // keyed by userID
	chat         []ChatMessage
	status       SessionStatus
	hostID       string
	startedAt    time.Time
	lastActivity time.Time
	version      int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRoom(parent context.Context, cfg Config) *Room {
	return newRoom(parent, cfg, nil)
}

// NewRoomFromExport resumes a recovered room. The caller (recovery) is
// responsible for having already demoted status and marked participants
// offline.
func NewRoomFromExport(parent context.Context, cfg Config, exp Export) *Room {
	return newRoom(parent, cfg, &exp)
}

func newRoom(parent context.Context, cfg Config, exp *Export) *Room {
	ctx, cancel := context.WithCancel(parent)
	cfg = cfg.withDefaults()

	r := &Room{
		cfg:          cfg,
		inbox:        make(chan Msg, 64),
		clients:      make(map[string]chan Event),
		grid:         make(map[string]string),
		lastEdit:     make(map[string]lastApply),
		participants: make(map[string]*Participant),
		status:       StatusWaiting,
		ctx:          ctx,
		cancel:       cancel,
	}
	if exp != nil {
		r.status = exp.Status
		r.hostID = exp.HostID
		if r.cfg.TotalCells == 0 {
			r.cfg.TotalCells = exp.TotalCells
		}
		r.startedAt = exp.StartedAt
		r.lastActivity = exp.LastActivity
		r.version = exp.Version
		for k, v := range exp.GridState {
			r.grid[k] = v
		}
		for i := range exp.Participants {
			p := exp.Participants[i]
			r.participants[p.UserID] = &p
		}
		r.chat = append(r.chat, exp.ChatHistory...)
	}

	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)

			case Leave:
				r.handleLeave(msg)

			case SubmitEdits:
				r.applyBatch(msg.Edits)

			case Chat:
				r.recordMessage(msg.Message)

			case MoveCursor:
				r.broadcast(Event{Type: EvtCursorMoved, RoomCode: r.cfg.Code, Cursor: &msg.Pos})

			case GetState:
				msg.Reply <- r.view()

			case ExportState:
				msg.Reply <- r.export()

			case Autosaved:
				r.broadcast(Event{Type: EvtRoomAutosaved, RoomCode: r.cfg.Code, Version: msg.Version})

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	now := r.cfg.Clock.Now()

	if p, ok := r.participants[msg.UserID]; ok {
		// Known participant reconnecting: reattach by userID, not by the new
		// connection identity. Their seat, role and joinedAt survive.
		p.IsOnline = true
		p.LastSeenAt = now
	} else {
		role := msg.Role
		if role == RoleHost && r.hostID != "" {
			role = RolePlayer // only one host per room
		}
		p := &Participant{
			UserID:     msg.UserID,
			UserName:   msg.UserName,
			Role:       role,
			IsOnline:   true,
			JoinedAt:   now,
			LastSeenAt: now,
		}
		r.participants[msg.UserID] = p
		if r.hostID == "" && role != RoleSpectator {
			r.hostID = msg.UserID
			p.Role = RoleHost
		}
	}
	r.lastActivity = now

	r.clients[msg.ClientID] = msg.Outbox

	// Full snapshot to the joiner, roster delta to everyone else.
	snap := r.export()
	r.sendTo(msg.ClientID, Event{Type: EvtRoomState, RoomCode: r.cfg.Code, Version: r.version, State: &snap})
	joined := *r.participants[msg.UserID]
	for id := range r.clients {
		if id == msg.ClientID {
			continue
		}
		r.sendTo(id, Event{Type: EvtPlayerJoined, RoomCode: r.cfg.Code, Participant: &joined})
	}
}

func (r *Room) handleLeave(msg Leave) {
	// The room is the only sender on client outboxes, so closing here is
	// race-free; the handler's writer loop exits on close.
	if ch, ok := r.clients[msg.ClientID]; ok {
		close(ch)
		delete(r.clients, msg.ClientID)
	}

	p, ok := r.participants[msg.UserID]
	if !ok {
		return
	}
	now := r.cfg.Clock.Now()
	p.IsOnline = false
	p.LastSeenAt = now
	r.lastActivity = now

	left := *p
	r.broadcast(Event{Type: EvtPlayerLeft, RoomCode: r.cfg.Code, Participant: &left})

	if msg.UserID == r.hostID {
		r.transferHost(msg.UserID)
	}
}

// transferHost hands the room to the longest-tenured remaining player:
// earliest joinedAt among PLAYER role, falling back to any participant.
func (r *Room) transferHost(leaving string) {
	pick := func(match func(*Participant) bool) *Participant {
		var best *Participant
		for _, p := range r.participants {
			if p.UserID == leaving || !match(p) {
				continue
			}
			if best == nil || p.JoinedAt.Before(best.JoinedAt) {
				best = p
			}
		}
		return best
	}

	next := pick(func(p *Participant) bool { return p.IsOnline && p.Role == RolePlayer })
	if next == nil {
		next = pick(func(p *Participant) bool { return p.IsOnline })
	}
	if next == nil {
		next = pick(func(p *Participant) bool { return true })
	}
	if next == nil {
		r.hostID = ""
		return
	}

	r.hostID = next.UserID
	next.Role = RoleHost
	r.broadcast(Event{Type: EvtHostChanged, RoomCode: r.cfg.Code, HostID: next.UserID})
	if r.cfg.OnSignificant != nil {
		r.cfg.OnSignificant("host_change")
	}
}

// applyBatch resolves one micro-batch of edits. Policy is last-write-wins by
// server arrival order: every surviving edit is applied, and a writer whose
// recent edit gets overridden is told so via cell_conflict rather than left
// to a silent rollback.
func (r *Room) applyBatch(edits []CellEdit) {
	if len(edits) == 0 {
		return
	}

	// Within one batch only the final edit per cell stands.
	winner := make(map[string]int, len(edits))
	for i, e := range edits {
		winner[e.CellID] = i
	}

	now := r.cfg.Clock.Now()
	for i := range edits {
		e := edits[i]
		if winner[e.CellID] != i {
			w := edits[winner[e.CellID]]
			if w.ClientID != e.ClientID {
				r.notifyConflict(e.ClientID, e.CellID, w.UserID)
			}
			continue
		}

		if prev, ok := r.lastEdit[e.CellID]; ok &&
			prev.clientID != e.ClientID &&
			now.Sub(prev.at) <= r.cfg.ConflictWindow {
			r.notifyConflict(prev.clientID, e.CellID, e.UserID)
		}

		prevVal := r.grid[e.CellID]
		r.grid[e.CellID] = e.Value
		r.lastEdit[e.CellID] = lastApply{userID: e.UserID, clientID: e.ClientID, at: now}
		r.version++
		r.lastActivity = now
		if r.status == StatusWaiting {
			r.status = StatusActive
			if r.startedAt.IsZero() {
				r.startedAt = now
			}
		}

		r.broadcast(Event{Type: EvtCellUpdated, RoomCode: r.cfg.Code, Version: r.version, Edit: &e})
		if r.cfg.OnConfirmed != nil {
			r.cfg.OnConfirmed(ConfirmedEdit{Edit: e, Previous: prevVal, Total: r.cfg.TotalCells})
		}
	}
}

func (r *Room) notifyConflict(clientID, cellID, winnerUserID string) {
	r.sendTo(clientID, Event{
		Type:     EvtCellConflict,
		RoomCode: r.cfg.Code,
		Conflict: &Conflict{
			CellID:       cellID,
			Message:      "your edit was overridden by another player",
			WinnerUserID: winnerUserID,
		},
	})
}

func (r *Room) recordMessage(m ChatMessage) {
	if m.SentAt.IsZero() {
		m.SentAt = r.cfg.Clock.Now()
	}
	r.chat = append(r.chat, m)
	if over := len(r.chat) - r.cfg.ChatHistoryLimit; over > 0 {
		r.chat = append(r.chat[:0:0], r.chat[over:]...)
	}
	r.lastActivity = r.cfg.Clock.Now()
	r.broadcast(Event{Type: EvtChatReceived, RoomCode: r.cfg.Code, Chat: &m})
}

func (r *Room) view() View {
	v := View{
		Version:    r.version,
		NumClients: len(r.clients),
		Status:     r.status,
		HostID:     r.hostID,
		TotalCells: r.cfg.TotalCells,
		GridState:  make(map[string]string, len(r.grid)),
		ChatLen:    len(r.chat),
	}
	for k, val := range r.grid {
		v.GridState[k] = val
	}
	for _, p := range r.participants {
		v.Participants = append(v.Participants, *p)
	}
	return v
}

func (r *Room) export() Export {
	exp := Export{
		RoomID:       r.cfg.Code,
		Status:       r.status,
		HostID:       r.hostID,
		StartedAt:    r.startedAt,
		LastActivity: r.lastActivity,
		Version:      r.version,
		TotalCells:   r.cfg.TotalCells,
		GridState:    make(map[string]string, len(r.grid)),
		ChatHistory:  append([]ChatMessage(nil), r.chat...),
	}
	for k, v := range r.grid {
		exp.GridState[k] = v
	}
	for _, p := range r.participants {
		exp.Participants = append(exp.Participants, *p)
	}
	return exp
}

func (r *Room) shutdown() {
	r.broadcast(Event{Type: EvtSessionEnded, RoomCode: r.cfg.Code})
	for id, ch := range r.clients {
		close(ch) // tell client no more events
		delete(r.clients, id)
	}
	r.cancel()
}

func (r *Room) broadcast(ev Event) {
	for id := range r.clients {
		r.sendTo(id, ev)
	}
}

func (r *Room) sendTo(clientID string, ev Event) {
	ch, ok := r.clients[clientID]
	if !ok {
		return
	}
	select {
	case ch <- ev:
		// ok
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(r.clients, clientID)
	}
}

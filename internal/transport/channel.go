// Package transport maintains one logical connection per client: an explicit
// connection state machine, offline buffering for cell edits, micro-batched
// emission, and routing of inbound events either to the prediction store (own
// edits) or to the update observer (everyone else's).
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/prediction"
	"github.com/DoyleJ11/crossword-sync-backend/internal/room"
	"github.com/DoyleJ11/crossword-sync-backend/internal/types"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

const (
	DefaultMaxAttempts     = 5
	DefaultPendingLimit    = 100
	DefaultPendingKeep     = 50
	DefaultBatchWindow     = 16 * time.Millisecond
	DefaultCursorInterval  = 50 * time.Millisecond
	DefaultMaxChatLen      = 500
	DefaultMinChatInterval = 500 * time.Millisecond
)

var ErrNotConnected = errors.New("transport: not connected")

// Conn is one live duplex connection. Implementations wrap a websocket, a
// gRPC stream, whatever; the channel only needs send and close.
type Conn interface {
	Send(ctx context.Context, msg types.ClientMessage) error
	Close() error
}

// Dialer establishes connections. The returned event channel closes when the
// connection dies, which is the channel's disconnect signal.
type Dialer interface {
	Dial(ctx context.Context) (Conn, <-chan room.Event, error)
}

type Config struct {
	RoomCode string
	UserID   string
	UserName string
	Role     room.Role
	ClientID string

	Clock  clockwork.Clock
	Logger *zap.Logger

	MaxAttempts     int
	PendingLimit    int
	PendingKeep     int
	BatchWindow     time.Duration
	CursorInterval  time.Duration
	MaxChatLen      int
	MinChatInterval time.Duration

	Predictions *prediction.Store
	// OnUpdate receives every inbound event that is not a confirmation of
	// this client's own edit.
	OnUpdate func(room.Event)
	OnState  func(ConnState)
	// OnLocalError surfaces client-side guardrail failures (chat too long,
	// sending too fast). These never reach the server.
	OnLocalError func(msg string)
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.PendingKeep <= 0 {
		c.PendingKeep = DefaultPendingKeep
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.CursorInterval <= 0 {
		c.CursorInterval = DefaultCursorInterval
	}
	if c.MaxChatLen <= 0 {
		c.MaxChatLen = DefaultMaxChatLen
	}
	if c.MinChatInterval <= 0 {
		c.MinChatInterval = DefaultMinChatInterval
	}
	return c
}

type Channel struct {
	cfg    Config
	dialer Dialer

	mu    sync.Mutex
	state ConnState
	conn  Conn
	gen   uint64 // invalidates receive loops from dead connections

	pending []room.CellEdit // offline buffer, oldest first

	batch      []room.CellEdit
	windowOpen bool

	lastCursorAt  time.Time
	cursorPending *room.CursorPosition
	cursorArmed   bool

	lastChatAt time.Time

	ctx context.Context
}

func NewChannel(ctx context.Context, dialer Dialer, cfg Config) *Channel {
	return &Channel{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		state:  StateDisconnected,
		ctx:    ctx,
	}
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingLen reports the offline buffer depth. Observability only.
func (c *Channel) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnState != nil {
		go c.cfg.OnState(s)
	}
}

// Connect performs the initial dial. On failure it enters the reconnect
// cycle rather than giving up immediately.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dialOnce(); err != nil {
		go c.reconnectLoop()
		return err
	}
	return nil
}

// Retry restarts a channel that exhausted its reconnect attempts. Explicit
// user action; failed is terminal otherwise.
func (c *Channel) Retry() error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dialOnce(); err != nil {
		go c.reconnectLoop()
		return err
	}
	return nil
}

func (c *Channel) dialOnce() error {
	conn, events, err := c.dialer.Dial(c.ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnected)
	replay := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Join first: the server ignores traffic from connections it has not
	// seen join. Buffered edits replay right behind it, in original
	// emission order.
	_ = conn.Send(c.ctx, types.ClientMessage{
		Type:     types.MsgJoinRoom,
		RoomCode: c.cfg.RoomCode,
		UserID:   c.cfg.UserID,
		UserName: c.cfg.UserName,
		Role:     string(c.cfg.Role),
		ClientID: c.cfg.ClientID,
	})
	if len(replay) > 0 {
		_ = conn.Send(c.ctx, types.ClientMessage{Type: types.MsgCellUpdate, Edits: replay})
	}

	go c.receiveLoop(gen, events)
	return nil
}

func (c *Channel) receiveLoop(gen uint64, events <-chan room.Event) {
	for ev := range events {
		c.route(ev)
	}

	// Channel closed: the connection is gone.
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.cfg.Logger.Info("connection lost, reconnecting",
		zap.String("room", c.cfg.RoomCode),
		zap.String("client", c.cfg.ClientID))
	c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-c.cfg.Clock.After(time.Duration(attempt) * time.Second):
		}

		c.mu.Lock()
		if c.state != StateReconnecting && c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dialOnce(); err == nil {
			return
		}
		c.cfg.Logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("room", c.cfg.RoomCode))
	}

	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
}

// Disconnect closes the connection without retrying. Further edits buffer.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// SendCellEdit emits one cell update. Connected: sent immediately, with a
// short batching window amortizing bursts. Otherwise: appended to the
// bounded pending buffer (newest edits win when it overflows).
func (c *Channel) SendCellEdit(edit room.CellEdit) {
	edit.ClientID = c.cfg.ClientID
	edit.UserID = c.cfg.UserID
	edit.Role = c.cfg.Role
	if edit.Timestamp.IsZero() {
		edit.Timestamp = c.cfg.Clock.Now()
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.pending = append(c.pending, edit)
		if len(c.pending) > c.cfg.PendingLimit {
			// Keep the most recent edits; recency beats completeness here.
			c.pending = append(c.pending[:0:0], c.pending[len(c.pending)-c.cfg.PendingKeep:]...)
		}
		c.mu.Unlock()
		return
	}

	if c.windowOpen {
		c.batch = append(c.batch, edit)
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.windowOpen = true
	c.cfg.Clock.AfterFunc(c.cfg.BatchWindow, c.flushBatch)
	c.mu.Unlock()

	_ = conn.Send(c.ctx, types.ClientMessage{Type: types.MsgCellUpdate, Edits: []room.CellEdit{edit}})
}

func (c *Channel) flushBatch() {
	c.mu.Lock()
	c.windowOpen = false
	batch := c.batch
	c.batch = nil
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if !connected || conn == nil {
		c.mu.Lock()
		c.pending = append(c.pending, batch...)
		if len(c.pending) > c.cfg.PendingLimit {
			c.pending = append(c.pending[:0:0], c.pending[len(c.pending)-c.cfg.PendingKeep:]...)
		}
		c.mu.Unlock()
		return
	}
	_ = conn.Send(c.ctx, types.ClientMessage{Type: types.MsgCellUpdate, Edits: batch})
}

// SendCursor emits a cursor position, throttled to one per interval. Cursor
// traffic is loss-tolerant: a suppressed move is replaced by the next one,
// with a trailing send so the final position always lands.
func (c *Channel) SendCursor(pos room.CursorPosition) {
	pos.UserID = c.cfg.UserID
	pos.UserName = c.cfg.UserName
	if pos.Timestamp.IsZero() {
		pos.Timestamp = c.cfg.Clock.Now()
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return // cursor positions are not worth buffering
	}

	now := c.cfg.Clock.Now()
	if since := now.Sub(c.lastCursorAt); since < c.cfg.CursorInterval {
		c.cursorPending = &pos
		if !c.cursorArmed {
			c.cursorArmed = true
			c.cfg.Clock.AfterFunc(c.cfg.CursorInterval-since, c.flushCursor)
		}
		c.mu.Unlock()
		return
	}
	c.lastCursorAt = now
	conn := c.conn
	c.mu.Unlock()

	_ = conn.Send(c.ctx, types.ClientMessage{Type: types.MsgCursorMove, Cursor: &pos})
}

func (c *Channel) flushCursor() {
	c.mu.Lock()
	c.cursorArmed = false
	pos := c.cursorPending
	c.cursorPending = nil
	conn := c.conn
	connected := c.state == StateConnected
	if pos == nil || !connected || conn == nil {
		c.mu.Unlock()
		return
	}
	c.lastCursorAt = c.cfg.Clock.Now()
	c.mu.Unlock()

	_ = conn.Send(c.ctx, types.ClientMessage{Type: types.MsgCursorMove, Cursor: pos})
}

// SendChat emits a chat message after local guardrails. Guardrail failures
// surface through OnLocalError and never reach the room authority.
func (c *Channel) SendChat(content string) error {
	if len(content) > c.cfg.MaxChatLen {
		c.localError("message too long")
		return errors.New("transport: message too long")
	}

	c.mu.Lock()
	now := c.cfg.Clock.Now()
	if !c.lastChatAt.IsZero() && now.Sub(c.lastChatAt) < c.cfg.MinChatInterval {
		c.mu.Unlock()
		c.localError("sending messages too quickly")
		return errors.New("transport: rate limited")
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.lastChatAt = now
	conn := c.conn
	c.mu.Unlock()

	return conn.Send(c.ctx, types.ClientMessage{
		Type:     types.MsgChatMessage,
		RoomCode: c.cfg.RoomCode,
		UserID:   c.cfg.UserID,
		UserName: c.cfg.UserName,
		Content:  content,
	})
}

// Leave tells the room we are going; used for deliberate exits only.
func (c *Channel) Leave() {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return
	}
	_ = conn.Send(c.ctx, types.ClientMessage{
		Type:     types.MsgLeaveRoom,
		RoomCode: c.cfg.RoomCode,
		UserID:   c.cfg.UserID,
	})
}

func (c *Channel) localError(msg string) {
	if c.cfg.OnLocalError != nil {
		c.cfg.OnLocalError(msg)
	}
}

// route dispatches one inbound event. Confirmations of our own edits go to
// the prediction store, never to the generic handler: applying our own edit
// twice is how ghosts get typed into the grid.
func (c *Channel) route(ev room.Event) {
	switch ev.Type {
	case room.EvtCellUpdated:
		if ev.Edit != nil && ev.Edit.ClientID == c.cfg.ClientID {
			if c.cfg.Predictions != nil {
				c.cfg.Predictions.ConfirmPrediction(ev.Edit.CellID, ev.Edit.Value, ev.Edit.Timestamp)
			}
			return
		}
		c.forward(ev)

	case room.EvtCellConflict:
		if c.cfg.Predictions != nil && ev.Conflict != nil {
			c.cfg.Predictions.RollbackPrediction(ev.Conflict.CellID)
		}
		c.forward(ev)

	default:
		c.forward(ev)
	}
}

func (c *Channel) forward(ev room.Event) {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate(ev)
	}
}
